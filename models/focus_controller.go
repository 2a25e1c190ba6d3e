package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"

	"focuspuller/calibration"
	"focuspuller/depth"
	"focuspuller/focus"
	"focuspuller/trackers"
)

var ModelFocusController = resource.NewModel("strawlab", "focus-puller", "focus-controller")

func init() {
	resource.RegisterService(genericservice.API, ModelFocusController,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newFocusController,
		},
	)
}

type Config struct {
	// MotorClientName names the generic component driving the focus motor.
	MotorClientName string `json:"motor_client_name"`

	DepthFrameWidth  int `json:"depth_frame_width"`
	DepthFrameHeight int `json:"depth_frame_height"`

	// CalibrationFile is loaded at startup when set.
	CalibrationFile string `json:"calibration_file,omitempty"`

	ModeOnStart   string `json:"mode_on_start,omitempty"`
	EnableOnStart bool   `json:"enable_on_start"`

	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	SmoothingFactor     float64 `json:"smoothing_factor,omitempty"`
	DisableSmoothing    bool    `json:"disable_smoothing"`
	DebounceMS          int     `json:"debounce_ms,omitempty"`
	SettleMS            int     `json:"settle_ms,omitempty"`
	HoldMS              int     `json:"hold_ms,omitempty"`

	MaxSubjects int `json:"max_subjects,omitempty"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.MotorClientName == "" {
		return nil, nil, errors.New("motor_client_name is required")
	}
	if cfg.DepthFrameWidth == 0 && cfg.DepthFrameHeight == 0 {
		cfg.DepthFrameWidth = 1280
		cfg.DepthFrameHeight = 720
	}
	if cfg.DepthFrameWidth <= 0 || cfg.DepthFrameHeight <= 0 {
		return nil, nil, errors.New("depth_frame_width and depth_frame_height must be greater than 0")
	}
	if cfg.ModeOnStart != "" {
		if _, err := focus.ModeFromString(cfg.ModeOnStart); err != nil {
			return nil, nil, err
		}
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, nil, errors.New("confidence_threshold must be within [0, 1]")
	}
	if cfg.SmoothingFactor < 0 || cfg.SmoothingFactor > 1 {
		return nil, nil, errors.New("smoothing_factor must be within [0, 1]")
	}
	if cfg.DebounceMS < 0 || cfg.SettleMS < 0 || cfg.HoldMS < 0 {
		return nil, nil, errors.New("debounce_ms, settle_ms and hold_ms must not be negative")
	}
	if cfg.MaxSubjects < 0 {
		return nil, nil, errors.New("max_subjects must not be negative")
	}
	return []string{cfg.MotorClientName}, nil, nil
}

// motorClient adapts a generic component exposing a set-position command to
// the controller's motor surface.
type motorClient struct {
	client generic.Resource
}

func (m *motorClient) MoveTo(ctx context.Context, position int) error {
	_, err := m.client.DoCommand(ctx, map[string]interface{}{
		"command":  "set-position",
		"position": position,
	})
	if err != nil {
		return errors.Wrap(err, "focus motor set-position failed")
	}
	return nil
}

type focusController struct {
	resource.AlwaysRebuild
	name resource.Name

	logger logging.Logger
	cfg    *Config

	ctrl    *focus.Controller
	tracker *trackers.SubjectTracker

	// mu serializes the frame pipeline: the tracker and the estimators
	// require strictly sequential updates, and the gRPC server runs each
	// DoCommand request on its own goroutine.
	mu          sync.Mutex
	pointDepth  *depth.Estimator
	faceDepth   *depth.Estimator
	lastFrame   []uint16
	frameWidth  int
	frameHeight int
}

func (s *focusController) Name() resource.Name {
	return s.name
}

// Close implements resource.Resource.
func (s *focusController) Close(ctx context.Context) error {
	return s.ctrl.Close()
}

func newFocusController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewFocusController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewFocusController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	configJSON, _ := json.MarshalIndent(conf, "", "  ")
	logger.Debugf("Creating focus controller with the following config:\n%s", configJSON)

	motorName := resource.NewName(generic.API, conf.MotorClientName)
	motorRes, err := deps.GetResource(motorName)
	if err != nil {
		return nil, fmt.Errorf("failed to get focus motor resource: %w", err)
	}

	ctrlCfg := focus.DefaultConfig()
	if conf.ConfidenceThreshold > 0 {
		ctrlCfg.ConfidenceThreshold = conf.ConfidenceThreshold
	}
	if conf.SmoothingFactor > 0 {
		ctrlCfg.SmoothingFactor = conf.SmoothingFactor
	}
	ctrlCfg.DisableSmoothing = conf.DisableSmoothing
	if conf.DebounceMS > 0 {
		ctrlCfg.DebounceInterval = time.Duration(conf.DebounceMS) * time.Millisecond
	}
	if conf.SettleMS > 0 {
		ctrlCfg.SettleDelay = time.Duration(conf.SettleMS) * time.Millisecond
	}
	if conf.HoldMS > 0 {
		ctrlCfg.HoldDelay = time.Duration(conf.HoldMS) * time.Millisecond
	}

	trackerCfg := trackers.DefaultConfig()
	if conf.MaxSubjects > 0 {
		trackerCfg.MaxSubjects = conf.MaxSubjects
	}

	s := &focusController{
		name:        name,
		logger:      logger,
		cfg:         conf,
		ctrl:        focus.NewController(logger, ctrlCfg, &motorClient{client: motorRes}),
		tracker:     trackers.NewSubjectTracker(logger, trackerCfg, conf.DepthFrameWidth, conf.DepthFrameHeight),
		pointDepth:  depth.NewEstimator(logger, depth.DefaultEstimatorConfig()),
		faceDepth:   depth.NewEstimator(logger, depth.DefaultEstimatorConfig()),
		frameWidth:  conf.DepthFrameWidth,
		frameHeight: conf.DepthFrameHeight,
	}

	if conf.CalibrationFile != "" {
		mapping, err := calibration.Load(conf.CalibrationFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load calibration file: %w", err)
		}
		if err := s.ctrl.SetMapping(mapping); err != nil {
			return nil, fmt.Errorf("calibration file rejected: %w", err)
		}
	}
	if conf.ModeOnStart != "" {
		mode, err := focus.ModeFromString(conf.ModeOnStart)
		if err != nil {
			return nil, err
		}
		s.ctrl.SetMode(mode)
	}
	if conf.EnableOnStart {
		s.logger.Info("Enabling focus controller on start")
		s.ctrl.SetEnabled(true)
	}

	return s, nil
}

func (s *focusController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	s.logger.Debugf("DoCommand: %v", cmd["command"])
	switch cmd["command"] {
	case "set-mode":
		modeStr, ok := cmd["mode"].(string)
		if !ok {
			return nil, fmt.Errorf("mode field is required and must be a string")
		}
		mode, err := focus.ModeFromString(modeStr)
		if err != nil {
			return nil, err
		}
		s.ctrl.SetMode(mode)
		return map[string]interface{}{"status": "success", "mode": mode.String()}, nil

	case "enable":
		s.ctrl.SetEnabled(true)
		return map[string]interface{}{"status": "success"}, nil

	case "disable":
		s.ctrl.SetEnabled(false)
		return map[string]interface{}{"status": "success"}, nil

	case "trigger-focus":
		if err := s.ctrl.TriggerFocus(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "focusing"}, nil

	case "set-focus-point":
		x, ok := cmd["x"].(float64)
		if !ok {
			return nil, fmt.Errorf("x field is required and must be a number")
		}
		y, ok := cmd["y"].(float64)
		if !ok {
			return nil, fmt.Errorf("y field is required and must be a number")
		}
		s.ctrl.SetFocusPoint(r2.Point{X: x, Y: y})
		return map[string]interface{}{"status": "success"}, nil

	case "set-focus-subject":
		idRaw, ok := cmd["subject_id"].(float64)
		if !ok {
			return nil, fmt.Errorf("subject_id field is required and must be a number")
		}
		s.ctrl.SetFocusSubject(int(idRaw))
		return map[string]interface{}{"status": "success"}, nil

	case "device-ready":
		motorReady, ok := cmd["motor"].(bool)
		if !ok {
			return nil, fmt.Errorf("motor field is required and must be a bool")
		}
		depthReady, ok := cmd["depth_sensor"].(bool)
		if !ok {
			return nil, fmt.Errorf("depth_sensor field is required and must be a bool")
		}
		s.ctrl.SetDeviceReady(motorReady, depthReady)
		return map[string]interface{}{"status": "success"}, nil

	case "push-depth-sample":
		return s.doPushDepthSample(cmd)

	case "push-detections":
		return s.doPushDetections(cmd)

	case "load-mapping":
		return s.doLoadMapping(cmd)

	case "clear-mapping":
		s.ctrl.ClearMapping()
		s.mu.Lock()
		s.pointDepth.Reset()
		s.faceDepth.Reset()
		s.mu.Unlock()
		return map[string]interface{}{"status": "cleared"}, nil

	case "get-state":
		return stateToMap(s.ctrl.State()), nil

	case "get-events":
		var events []interface{}
		for {
			select {
			case ev := <-s.ctrl.Events():
				events = append(events, eventToMap(ev))
			default:
				return map[string]interface{}{"events": events}, nil
			}
		}

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

// doPushDepthSample accepts either a pre-filtered scalar sample
// (depth + confidence) or a raw frame (depth_frame + width + height) that is
// run through the spatial and temporal filters at the focus point.
func (s *focusController) doPushDepthSample(cmd map[string]interface{}) (map[string]interface{}, error) {
	if depthRaw, ok := cmd["depth"].(float64); ok {
		confidence, ok := cmd["confidence"].(float64)
		if !ok {
			return nil, fmt.Errorf("confidence field is required and must be a number")
		}
		s.ctrl.OnDepthSample(depthRaw, confidence)
		return map[string]interface{}{"status": "success"}, nil
	}

	frameRaw, ok := cmd["depth_frame"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("either depth or depth_frame is required")
	}
	width, height := s.frameWidth, s.frameHeight
	if w, ok := cmd["width"].(float64); ok {
		width = int(w)
	}
	if h, ok := cmd["height"].(float64); ok {
		height = int(h)
	}
	frame := make([]uint16, len(frameRaw))
	for i, v := range frameRaw {
		mm, ok := v.(float64)
		if !ok || mm < 0 {
			return nil, fmt.Errorf("depth_frame value %d is not a valid millimeter sample", i)
		}
		frame[i] = uint16(mm)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFrame = frame
	s.frameWidth = width
	s.frameHeight = height

	m := s.pointDepth.CalculateDepth(frame, width, height, s.ctrl.State().FocusPoint)
	s.ctrl.OnDepthSample(m.Depth, m.Confidence)
	return map[string]interface{}{
		"status":     "success",
		"depth":      m.Depth,
		"confidence": m.Confidence,
	}, nil
}

// doPushDetections runs the latest face detections through the tracker and,
// in face-tracking mode, samples depth at the selected subject's focus point
// from the retained frame.
func (s *focusController) doPushDetections(cmd map[string]interface{}) (map[string]interface{}, error) {
	detsRaw, ok := cmd["detections"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("detections field is required and must be an array")
	}
	detections := make([]trackers.Detection, 0, len(detsRaw))
	for i, dRaw := range detsRaw {
		dMap, ok := dRaw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("detection %d is not a map", i)
		}
		det, err := parseDetection(dMap)
		if err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
		detections = append(detections, det)
	}

	// The tracker requires strictly sequential updates and each DoCommand
	// request arrives on its own goroutine, so the whole pipeline runs under
	// the lock.
	s.mu.Lock()
	subjects := s.tracker.Update(detections)
	s.ctrl.OnSubjects(subjects)

	st := s.ctrl.State()
	if st.Mode == focus.ModeFaceTracking {
		if subject, ok := s.ctrl.SelectedSubject(); ok && s.lastFrame != nil {
			m := s.faceDepth.CalculateDepth(s.lastFrame, s.frameWidth, s.frameHeight, subject.FocusPoint)
			s.ctrl.OnDepthSample(m.Depth, m.Confidence)
		}
	}
	s.mu.Unlock()

	return map[string]interface{}{
		"status":   "success",
		"subjects": subjectsToMaps(subjects),
	}, nil
}

func (s *focusController) doLoadMapping(cmd map[string]interface{}) (map[string]interface{}, error) {
	var mapping *calibration.Mapping
	switch {
	case cmd["file"] != nil:
		path, ok := cmd["file"].(string)
		if !ok {
			return nil, fmt.Errorf("file field must be a string")
		}
		var err error
		mapping, err = calibration.Load(path)
		if err != nil {
			return nil, err
		}
	case cmd["mapping"] != nil:
		raw, err := json.Marshal(cmd["mapping"])
		if err != nil {
			return nil, fmt.Errorf("mapping field is not encodable: %w", err)
		}
		mapping, err = calibration.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("either file or mapping is required")
	}

	if err := s.ctrl.SetMapping(mapping); err != nil {
		result := mapping.Validate()
		return map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
			"errors": toInterfaceSlice(result.Errors),
		}, nil
	}
	result := mapping.Validate()
	return map[string]interface{}{
		"status":   "success",
		"mapping":  mapping.Name,
		"points":   mapping.Len(),
		"warnings": toInterfaceSlice(result.Warnings),
	}, nil
}

func parseDetection(m map[string]interface{}) (trackers.Detection, error) {
	var det trackers.Detection
	for _, field := range []string{"x_min", "y_min", "x_max", "y_max"} {
		if _, ok := m[field].(float64); !ok {
			return det, fmt.Errorf("%s is required and must be a number", field)
		}
	}
	det.Box = image.Rect(
		int(m["x_min"].(float64)), int(m["y_min"].(float64)),
		int(m["x_max"].(float64)), int(m["y_max"].(float64)),
	)
	if conf, ok := m["confidence"].(float64); ok {
		det.Confidence = conf
	} else {
		det.Confidence = 1.0
	}
	if landmarksRaw, ok := m["landmarks"].([]interface{}); ok {
		for i, lRaw := range landmarksRaw {
			lMap, ok := lRaw.(map[string]interface{})
			if !ok {
				return det, fmt.Errorf("landmark %d is not a map", i)
			}
			x, ok := lMap["x"].(float64)
			if !ok {
				return det, fmt.Errorf("landmark %d x is not a number", i)
			}
			y, ok := lMap["y"].(float64)
			if !ok {
				return det, fmt.Errorf("landmark %d y is not a number", i)
			}
			det.Landmarks = append(det.Landmarks, image.Pt(int(x), int(y)))
		}
	}
	return det, nil
}

func stateToMap(st focus.State) map[string]interface{} {
	out := map[string]interface{}{
		"mode":               st.Mode.String(),
		"enabled":            st.Enabled,
		"motor_ready":        st.MotorReady,
		"depth_sensor_ready": st.DepthSensorReady,
		"has_mapping":        st.HasMapping,
		"mapping_name":       st.MappingName,
		"actively_focusing":  st.ActivelyFocusing,
		"current_depth":      st.CurrentDepth,
		"current_position":   st.CurrentMotorPosition,
		"target_position":    st.TargetMotorPosition,
		"has_target":         st.HasTarget,
		"focus_confidence":   st.FocusConfidence,
		"focus_point":        map[string]interface{}{"x": st.FocusPoint.X, "y": st.FocusPoint.Y},
		"focus_subject_id":   st.FocusSubjectID,
		"subjects":           subjectsToMaps(st.Subjects),
		"operations":         st.Stats.Operations,
		"average_depth":      st.Stats.AverageDepth,
	}
	if st.Err != nil {
		out["error"] = map[string]interface{}{
			"kind":   st.Err.Kind.String(),
			"detail": st.Err.Detail,
		}
	}
	return out
}

func eventToMap(ev focus.Event) map[string]interface{} {
	out := map[string]interface{}{"kind": ev.Kind.String()}
	if ev.Reason != "" {
		out["reason"] = ev.Reason
	}
	if ev.Mapping != "" {
		out["mapping"] = ev.Mapping
	}
	if ev.Kind == focus.EventModeChanged {
		out["mode"] = ev.Mode.String()
	}
	if ev.Kind == focus.EventError {
		out["error"] = ev.Error.String()
	}
	return out
}

func subjectsToMaps(subjects []trackers.Subject) []interface{} {
	out := make([]interface{}, 0, len(subjects))
	for _, sub := range subjects {
		out = append(out, map[string]interface{}{
			"id":          sub.ID,
			"state":       sub.State.String(),
			"confidence":  sub.Confidence,
			"priority":    sub.Priority,
			"center":      map[string]interface{}{"x": sub.Center.X, "y": sub.Center.Y},
			"focus_point": map[string]interface{}{"x": sub.FocusPoint.X, "y": sub.FocusPoint.Y},
			"box": map[string]interface{}{
				"x_min": sub.Box.Min.X, "y_min": sub.Box.Min.Y,
				"x_max": sub.Box.Max.X, "y_max": sub.Box.Max.Y,
			},
		})
	}
	return out
}

func toInterfaceSlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
