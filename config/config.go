// Package config loads the decomposition's tunable parameters from an
// INI file, following the teacher's io/config.go convention: a gcfg
// struct with Required/Optional fields and a CheckInit validator, here
// with a viper environment-variable overlay for the handful of values
// operators commonly override per-run without editing the file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/gcfg.v1"
)

// DecompConfig is the gcfg-tagged section read from the run's INI file.
type DecompConfig struct {
	Decomp struct {
		// Required
		BoxSize float64

		// Optional, defaulted by CheckInit if zero.
		OverDecomp         int
		MaxPart            int64
		MaxPartBh          int64
		FreeBytes          int64
		TopNodeAllocFactor float64
		MaxShedIterations  int
	}
}

// CheckInit validates required fields and fills in the teacher-style
// defaults for optional ones (io/config.go's BallConfig.CheckInit shape).
func (c *DecompConfig) CheckInit() error {
	d := &c.Decomp
	if d.BoxSize <= 0 {
		return fmt.Errorf("config: need a positive [decomp] BoxSize")
	}
	if d.OverDecomp == 0 {
		d.OverDecomp = 1
	} else if d.OverDecomp < 1 {
		return fmt.Errorf("config: [decomp] OverDecomp must be >= 1, got %d", d.OverDecomp)
	}
	if d.MaxPart == 0 {
		d.MaxPart = 1 << 24
	}
	if d.MaxPartBh == 0 {
		d.MaxPartBh = 1 << 16
	}
	if d.FreeBytes == 0 {
		d.FreeBytes = 1 << 28
	}
	if d.TopNodeAllocFactor == 0 {
		d.TopNodeAllocFactor = 2.0
	}
	if d.MaxShedIterations == 0 {
		d.MaxShedIterations = 100
	}
	return nil
}

// Load reads fname via gcfg, overlays NBODYDOMAIN_-prefixed environment
// variables via viper for MaxPart, MaxPartBh, FreeBytes, BoxSize and
// OverDecomp (e.g. NBODYDOMAIN_DECOMP_MAXPART overrides [decomp] MaxPart),
// then validates the result — the per-run override path an operator
// reaches for without touching the checked-in INI file. TopNodeAllocFactor
// and MaxShedIterations have no environment override.
func Load(fname string) (*DecompConfig, error) {
	c := &DecompConfig{}
	if err := gcfg.ReadFileInto(c, fname); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", fname, err)
	}

	v := viper.New()
	v.SetEnvPrefix("NBODYDOMAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	overlayInt64(v, "decomp.maxpart", &c.Decomp.MaxPart)
	overlayInt64(v, "decomp.maxpartbh", &c.Decomp.MaxPartBh)
	overlayInt64(v, "decomp.freebytes", &c.Decomp.FreeBytes)
	overlayFloat(v, "decomp.boxsize", &c.Decomp.BoxSize)
	overlayInt(v, "decomp.overdecomp", &c.Decomp.OverDecomp)

	if err := c.CheckInit(); err != nil {
		return nil, err
	}
	return c, nil
}

func overlayInt64(v *viper.Viper, key string, dst *int64) {
	if v.IsSet(key) {
		*dst = v.GetInt64(key)
	}
}

func overlayInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func overlayFloat(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}
