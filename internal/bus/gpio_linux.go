//go:build linux

package bus

import (
	"context"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIO drives relays from Linux GPIO character device lines.
type GPIO struct {
	chip  *gpiocdev.Chip
	lines []*gpiocdev.Line
}

// NewGPIO requests every configured pin as an output, initially off.
func NewGPIO(cfg GPIOConfig) (*GPIO, error) {
	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	g := &GPIO{chip: chip}
	for i, pin := range cfg.Pins {
		opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
		if cfg.ActiveLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		line, err := chip.RequestLine(pin, opts...)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("request channel %d pin %d: %w", i, pin, err)
		}
		g.lines = append(g.lines, line)
	}
	return g, nil
}

func (g *GPIO) Write(ctx context.Context, index int, on bool) error {
	if err := checkIndex(index, len(g.lines)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	if err := g.lines[index].SetValue(v); err != nil {
		return fmt.Errorf("set channel %d: %w", index, err)
	}
	return nil
}

func (g *GPIO) Read(_ context.Context, index int) (bool, error) {
	if err := checkIndex(index, len(g.lines)); err != nil {
		return false, err
	}
	v, err := g.lines[index].Value()
	if err != nil {
		return false, fmt.Errorf("read channel %d: %w", index, err)
	}
	return v == 1, nil
}

func (g *GPIO) ReadAll(ctx context.Context) ([]bool, error) {
	out := make([]bool, len(g.lines))
	for i := range g.lines {
		v, err := g.Read(ctx, i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Close drives every output off and releases the lines. Pins are returned
// to inputs with pull-down to match the Pi boot defaults.
func (g *GPIO) Close() error {
	var errs []error
	for i, line := range g.lines {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("reset channel %d: %w", i, err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure channel %d: %w", i, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel %d: %w", i, err))
		}
	}
	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
