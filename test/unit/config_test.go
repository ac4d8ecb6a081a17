// Package unit holds cross-cutting unit tests that don't belong to any one
// internal package — here, root config validation and auto-sizing, in the
// style of the teacher's root-level backend_test.go (table-driven
// DeviceParams.Validate checks).
package unit

import (
	"testing"

	"github.com/stretchr/testify/require"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/constants"
)

func TestInputConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*tsbuild.InputConfig)
		wantErr bool
	}{
		{"valid", func(c *tsbuild.InputConfig) {}, false},
		{"no computes", func(c *tsbuild.InputConfig) { c.ComputeAddrs = nil }, true},
		{"zero ts core", func(c *tsbuild.InputConfig) { c.TSCore = 0 }, true},
		{"negative input index", func(c *tsbuild.InputConfig) { c.InputIndex = -1 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tsbuild.DefaultInputConfig()
			cfg.ComputeAddrs = []string{"127.0.0.1:9000"}
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, tsbuild.IsCode(err, tsbuild.CodeConfig))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestComputeConfigValidate(t *testing.T) {
	base := func() tsbuild.ComputeConfig {
		cfg := tsbuild.DefaultComputeConfig()
		cfg.NumInputsLocal = 2
		cfg.ProcessorExecutable = "/bin/true"
		cfg.ListenAddr = "127.0.0.1:0"
		return cfg
	}

	t.Run("valid passes through", func(t *testing.T) {
		cfg, err := base().Validate()
		require.NoError(t, err)
		require.Equal(t, constants.DefaultDataBufferSizeExp, cfg.DataBufSizeExp)
	})

	t.Run("zero inputs rejected", func(t *testing.T) {
		cfg := base()
		cfg.NumInputsLocal = 0
		_, err := cfg.Validate()
		require.Error(t, err)
		require.True(t, tsbuild.IsCode(err, tsbuild.CodeConfig))
	})

	t.Run("missing processor executable rejected", func(t *testing.T) {
		cfg := base()
		cfg.ProcessorExecutable = ""
		_, err := cfg.Validate()
		require.Error(t, err)
	})

	t.Run("missing listen addr rejected", func(t *testing.T) {
		cfg := base()
		cfg.ListenAddr = ""
		_, err := cfg.Validate()
		require.Error(t, err)
	})

	t.Run("zero processor instances defaulted, not rejected", func(t *testing.T) {
		cfg := base()
		cfg.ProcessorInstances = 0
		out, err := cfg.Validate()
		require.NoError(t, err)
		require.Equal(t, constants.DefaultProcessorInstances, out.ProcessorInstances)
	})

	t.Run("out of range data buffer exp rejected", func(t *testing.T) {
		cfg := base()
		cfg.DataBufSizeExp = constants.MaxDataBufferSizeExp + 1
		_, err := cfg.Validate()
		require.Error(t, err)
	})

	t.Run("auto size data fills in an in-range exponent", func(t *testing.T) {
		cfg := base()
		cfg.AutoSizeData = true
		cfg.NumInputsLocal = 8
		out, err := cfg.Validate()
		require.NoError(t, err)
		require.GreaterOrEqual(t, out.DataBufSizeExp, constants.MinDataBufferSizeExp)
		require.LessOrEqual(t, out.DataBufSizeExp, constants.MaxDataBufferSizeExp)
	})

	t.Run("auto size desc derives from data exp and typical content size", func(t *testing.T) {
		cfg := base()
		cfg.AutoSizeDesc = true
		cfg.TypicalContentSize = 2048
		out, err := cfg.Validate()
		require.NoError(t, err)
		require.Greater(t, out.DescBufSizeExp, uint8(0))
	})
}
