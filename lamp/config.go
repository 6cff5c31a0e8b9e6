package lamp

import (
	"time"

	"github.com/pkg/errors"

	"github.com/AngelRodriguez8008/NeBuLa-LAMP/handlers"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/loopclosure"
	"github.com/AngelRodriguez8008/NeBuLa-LAMP/rpgo"
)

// Config configures the back end. Prefixes are single characters: lowercase
// for robot trajectories, uppercase for artifact classes.
type Config struct {
	RobotPrefix    string `json:"robot_prefix"`
	ArtifactPrefix string `json:"artifact_prefix"`
	UWBPrefix      string `json:"uwb_prefix"`
	FixedFrame     string `json:"fixed_frame"`

	EstimatePeriod time.Duration `json:"estimate_period"`
	PublishPeriod  time.Duration `json:"publish_period"`

	// PriorRotSigma and PriorTransSigma seed the initial pose prior.
	PriorRotSigma   float64 `json:"prior_rot_sigma"`
	PriorTransSigma float64 `json:"prior_trans_sigma"`

	// ScanStampTolerance bounds the scan↔keyframe and measurement↔key time
	// association.
	ScanStampTolerance time.Duration `json:"scan_stamp_tolerance"`

	UWBRangeMode handlers.RangeFactorMode `json:"uwb_range_mode"`

	Solver      rpgo.Params        `json:"solver"`
	LoopClosure loopclosure.Config `json:"loop_closure"`
}

// DefaultConfig returns a single-robot configuration with the field
// defaults.
func DefaultConfig() Config {
	return Config{
		RobotPrefix:        "a",
		ArtifactPrefix:     "A",
		UWBPrefix:          "u",
		FixedFrame:         "world",
		EstimatePeriod:     time.Second,
		PublishPeriod:      2 * time.Second,
		PriorRotSigma:      0.01,
		PriorTransSigma:    0.01,
		ScanStampTolerance: time.Second,
		Solver:             rpgo.DefaultParams(),
		LoopClosure:        loopclosure.DefaultConfig(),
	}
}

// Validate checks the configuration tree.
func (c Config) Validate(path string) error {
	for name, prefix := range map[string]string{
		"robot_prefix":    c.RobotPrefix,
		"artifact_prefix": c.ArtifactPrefix,
		"uwb_prefix":      c.UWBPrefix,
	} {
		if len(prefix) != 1 {
			return errors.Errorf("%s.%s: must be a single character, got %q", path, name, prefix)
		}
	}
	if c.RobotPrefix == c.ArtifactPrefix || c.RobotPrefix == c.UWBPrefix || c.ArtifactPrefix == c.UWBPrefix {
		return errors.Errorf("%s: prefixes must be distinct", path)
	}
	if c.FixedFrame == "" {
		return errors.Errorf("%s.fixed_frame: required", path)
	}
	if c.EstimatePeriod <= 0 || c.PublishPeriod <= 0 {
		return errors.Errorf("%s: periods must be positive", path)
	}
	if c.PriorRotSigma <= 0 || c.PriorTransSigma <= 0 {
		return errors.Errorf("%s: prior sigmas must be positive", path)
	}
	if c.ScanStampTolerance <= 0 {
		return errors.Errorf("%s.scan_stamp_tolerance: must be positive", path)
	}
	if err := c.Solver.Validate(path + ".solver"); err != nil {
		return err
	}
	return c.LoopClosure.Validate(path + ".loop_closure")
}

func (c Config) robotPrefix() byte    { return c.RobotPrefix[0] }
func (c Config) artifactPrefix() byte { return c.ArtifactPrefix[0] }
func (c Config) uwbPrefix() byte      { return c.UWBPrefix[0] }
