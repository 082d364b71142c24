package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	iface "EggDetServer/interface"
	"EggDetServer/labelfile"
)

// RemoteTimeout bounds one inference request.
const RemoteTimeout = 60 * time.Second

// remoteResponse is the inference server's answer. Boxes are normalized
// unless Width and Height are given, in which case they are in pixels.
type remoteResponse struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Detections []iface.Detection `json:"detections"`
}

// RemoteDetector uploads each image to an HTTP inference server.
type RemoteDetector struct {
	name   string
	url    string
	client *resty.Client
}

// NewRemoteDetector returns a detector posting to url.
func NewRemoteDetector(name, url string) (*RemoteDetector, error) {
	if url == "" {
		return nil, errors.New("remote detector needs a url")
	}
	return &RemoteDetector{
		name:   name,
		url:    url,
		client: resty.New().SetTimeout(RemoteTimeout),
	}, nil
}

func (d *RemoteDetector) Detect(ctx context.Context, req iface.DetectRequest) error {
	var body remoteResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetFile("image", req.ImagePath).
		SetFormData(map[string]string{
			"model":      d.name,
			"classes":    joinInts(req.Classes),
			"confidence": strconv.FormatFloat(req.Confidence, 'f', -1, 64),
			"max_det":    strconv.Itoa(req.MaxDetections),
		}).
		SetResult(&body).
		Post(d.url)
	if err != nil {
		return errors.Wrap(err, "inference request")
	}
	if resp.IsError() {
		return errors.Errorf("inference server returned %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
	}
	if !body.Success {
		return errors.Errorf("inference failed: %s", body.Message)
	}

	set := body.Detections
	if body.Width > 0 && body.Height > 0 {
		sx, sy := 1/float64(body.Width), 1/float64(body.Height)
		for i := range set {
			set[i].Box = set[i].Box.Scale(sx, sy)
		}
	}
	set = Select(req, set)
	if len(set) == 0 {
		return nil
	}
	return labelfile.Write(req.LabelPath, set)
}

func (d *RemoteDetector) Name() string { return d.name }

func (d *RemoteDetector) Close() error { return nil }

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
