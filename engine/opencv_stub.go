//go:build !gocv

package engine

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	iface "EggDetServer/interface"
)

// NewOpenCVDetector needs the OpenCV DNN module; build with -tags gocv.
func NewOpenCVDetector(spec ModelSpec, _ *zap.Logger) (iface.Detector, error) {
	return nil, errors.Wrapf(ErrEngineUnavailable, "model %s requires -tags gocv", spec.Name)
}
