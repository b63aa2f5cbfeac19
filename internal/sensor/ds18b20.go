package sensor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

// DefaultW1Dir is where the Linux w1-therm driver exposes DS18B20 probes.
const DefaultW1Dir = "/sys/bus/w1/devices"

// ErrCRC is returned when the probe reports a failed CRC check.
var ErrCRC = errors.New("ds18b20: crc check failed")

// DS18B20 reads 1-Wire temperature probes through sysfs.
type DS18B20 struct {
	Dir string
	// IDs lists probe IDs to read; empty means every 28-* device found.
	IDs     []string
	nowFunc func() time.Time
}

// NewDS18B20 creates a reader rooted at dir.
func NewDS18B20(dir string, ids []string) *DS18B20 {
	if dir == "" {
		dir = DefaultW1Dir
	}
	return &DS18B20{Dir: dir, IDs: ids, nowFunc: time.Now}
}

// Discover lists the DS18B20 family (28-) devices present.
func (d *DS18B20) Discover() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.Dir, "28-*"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, filepath.Base(m))
	}
	return ids, nil
}

// Poll reads every probe. Probes that fail are skipped; the joined error
// reports them.
func (d *DS18B20) Poll(ctx context.Context) ([]logic.Reading, error) {
	ids := d.IDs
	if len(ids) == 0 {
		var err error
		if ids, err = d.Discover(); err != nil {
			return nil, fmt.Errorf("discover probes: %w", err)
		}
	}

	var out []logic.Reading
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		temp, err := d.Read(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, logic.Reading{SensorID: id, Temperature: temp, Timestamp: d.nowFunc()})
	}
	return out, errors.Join(errs...)
}

// Read returns one probe's temperature in °C.
func (d *DS18B20) Read(id string) (float64, error) {
	b, err := os.ReadFile(filepath.Join(d.Dir, id, "w1_slave"))
	if err != nil {
		return 0, fmt.Errorf("ds18b20 %s: %w", id, err)
	}
	v, err := ParseW1Slave(string(b))
	if err != nil {
		return 0, fmt.Errorf("ds18b20 %s: %w", id, err)
	}
	return v, nil
}

// ParseW1Slave decodes w1_slave content:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func ParseW1Slave(s string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("ds18b20: short read (%d lines)", len(lines))
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, ErrCRC
	}
	i := strings.Index(lines[1], "t=")
	if i < 0 {
		return 0, errors.New("ds18b20: no temperature field")
	}
	milli, err := strconv.Atoi(strings.TrimSpace(lines[1][i+2:]))
	if err != nil {
		return 0, fmt.Errorf("ds18b20: bad temperature: %w", err)
	}
	return float64(milli) / 1000, nil
}
