package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

// defaultChannelNames is the factory layout of the 16-channel relay board.
var defaultChannelNames = []string{
	"加熱燈1", "加熱燈2", "UVB燈", "日光燈1", "日光燈2", "夜燈",
	"加熱墊1", "加熱墊2", "霧化器", "風扇",
	"備用1", "備用2", "備用3", "備用4", "備用5", "備用6",
}

// defaultTankChannels is how many of the first channels belong to the default tank.
const defaultTankChannels = 10

// InferDeviceType guesses a device kind from a channel name.
func InferDeviceType(name string) logic.DeviceType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(name, "加熱") || strings.Contains(lower, "heat"):
		return logic.DeviceHeating
	case strings.Contains(name, "霧化") || strings.Contains(lower, "mist") || strings.Contains(lower, "humid"):
		return logic.DeviceHumidifier
	case strings.Contains(name, "風扇") || strings.Contains(lower, "fan"):
		return logic.DeviceFan
	case strings.Contains(name, "燈") || strings.Contains(name, "UVB") || strings.Contains(lower, "lamp") || strings.Contains(lower, "light"):
		return logic.DeviceLighting
	}
	return logic.DeviceRelay
}

// DefaultLayout returns the tank and channels created on an empty database.
// channels is capped at the board size.
func DefaultLayout(channels int) (logic.Tank, []logic.Channel) {
	hMin, hMax := 50.0, 70.0
	tank := logic.Tank{
		ID:          1,
		Name:        "主飼養箱",
		TempMin:     26,
		TempMax:     30,
		HumidityMin: &hMin,
		HumidityMax: &hMax,
		Active:      true,
	}

	var out []logic.Channel
	for i := 0; i < channels && i < len(defaultChannelNames); i++ {
		ch := logic.Channel{
			ID:      int64(i + 1),
			Index:   i,
			Name:    defaultChannelNames[i],
			Type:    InferDeviceType(defaultChannelNames[i]),
			Enabled: true,
		}
		if i < defaultTankChannels {
			ch.TankID = tank.ID
		}
		out = append(out, ch)
	}
	return tank, out
}

// SeedDefaults writes the default layout when the database has no tanks
// and no channels. Returns true if it seeded.
func (r *Repository) SeedDefaults(ctx context.Context, channels int) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM tanks) + (SELECT COUNT(*) FROM channels)`).Scan(&n); err != nil {
		return false, fmt.Errorf("count rows: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	tank, chans := DefaultLayout(channels)
	if err := r.SaveTank(tank); err != nil {
		return false, err
	}
	for _, c := range chans {
		if err := r.SaveChannel(c); err != nil {
			return false, err
		}
	}
	r.log.Info("seeded default layout")
	return true, nil
}
