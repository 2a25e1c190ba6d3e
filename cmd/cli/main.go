package main

import (
	"context"
	"flag"
	"time"

	"go.viam.com/rdk/logging"

	"focuspuller/calibration"
	"focuspuller/focus"
)

// loggingMotor prints each commanded position instead of driving hardware.
type loggingMotor struct {
	logger logging.Logger
}

func (m *loggingMotor) MoveTo(ctx context.Context, position int) error {
	m.logger.Infof("motor -> %d", position)
	return nil
}

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	mappingPath := flag.String("mapping", "", "calibration mapping file; a bench mapping is used when empty")
	flag.Parse()

	logger := logging.NewLogger("cli")

	var mapping *calibration.Mapping
	if *mappingPath != "" {
		var err error
		mapping, err = calibration.Load(*mappingPath)
		if err != nil {
			return err
		}
	} else {
		mapping = calibration.NewMapping("bench")
		for _, p := range []calibration.Point{
			{Depth: 0.2, MotorPosition: 0, Confidence: 1},
			{Depth: 0.5, MotorPosition: 1024, Confidence: 1},
			{Depth: 1.0, MotorPosition: 2048, Confidence: 1},
			{Depth: 2.0, MotorPosition: 3072, Confidence: 1},
			{Depth: 5.0, MotorPosition: 4095, Confidence: 1},
		} {
			if err := mapping.AddPoint(p); err != nil {
				return err
			}
		}
	}

	result := mapping.Validate()
	for _, w := range result.Warnings {
		logger.Warnf("mapping: %s", w)
	}

	ctrl := focus.NewController(logger, focus.DefaultConfig(), &loggingMotor{logger: logger})
	defer ctrl.Close()

	ctrl.SetDeviceReady(true, true)
	if err := ctrl.SetMapping(mapping); err != nil {
		return err
	}
	ctrl.SetMode(focus.ModeContinuousAuto)
	ctrl.SetEnabled(true)

	// Sweep a subject from 0.5m out to 3m and back.
	depths := []float64{0.5, 0.8, 1.2, 1.8, 2.5, 3.0, 2.2, 1.5, 1.0, 0.6}
	for _, d := range depths {
		ctrl.OnDepthSample(d, 0.9)
		time.Sleep(50 * time.Millisecond)
	}

	st := ctrl.State()
	logger.Infof("final state: depth=%.2fm target=%d operations=%d avg=%.2fm",
		st.CurrentDepth, st.TargetMotorPosition, st.Stats.Operations, st.Stats.AverageDepth)
	return nil
}
