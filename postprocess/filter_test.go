package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EggDetServer/geometry"
	iface "EggDetServer/interface"
	"EggDetServer/nms"
)

func det(class int, conf float64, x1, y1, x2, y2 float64) iface.Detection {
	return iface.Detection{
		Class:      class,
		Confidence: conf,
		Box:        geometry.CornerBox{X1: x1, Y1: y1, X2: x2, Y2: y2}.ToCenterSize(),
	}
}

func TestFilter(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		out, counts := Filter(nil, 0.5)
		assert.Empty(t, out)
		assert.NotNil(t, out)
		assert.Equal(t, iface.Counts{}, counts)
	})

	t.Run("overlapping pair keeps the confident box", func(t *testing.T) {
		raw := iface.DetectionSet{
			det(0, 0.6, 0.01, 0.01, 0.11, 0.11),
			det(0, 0.9, 0.00, 0.00, 0.10, 0.10),
		}
		out, counts := Filter(raw, 0.5)
		require.Len(t, out, 1)
		assert.Equal(t, 0.9, out[0].Confidence)
		assert.Equal(t, 0, out[0].Class)
		assert.InDelta(t, 0.05, out[0].Box.CX, 1e-9)
		assert.InDelta(t, 0.10, out[0].Box.W, 1e-9)
		assert.Equal(t, iface.Counts{Fertilized: 1}, counts)
	})

	t.Run("suppression crosses classes", func(t *testing.T) {
		raw := iface.DetectionSet{
			det(1, 0.9, 0.00, 0.00, 0.10, 0.10),
			det(0, 0.6, 0.01, 0.01, 0.11, 0.11),
		}
		out, counts := Filter(raw, 0.5)
		require.Len(t, out, 1)
		assert.Equal(t, 1, out[0].Class)
		assert.Equal(t, iface.Counts{Unfertilized: 1}, counts)
	})

	t.Run("class aware config keeps both", func(t *testing.T) {
		raw := iface.DetectionSet{
			det(1, 0.9, 0.00, 0.00, 0.10, 0.10),
			det(0, 0.6, 0.01, 0.01, 0.11, 0.11),
		}
		out, counts := FilterWith(raw, nms.Config{IoUThreshold: 0.5})
		assert.Len(t, out, 2)
		assert.Equal(t, iface.Counts{Fertilized: 1, Unfertilized: 1}, counts)
	})

	t.Run("count conservation", func(t *testing.T) {
		var raw iface.DetectionSet
		for i := 0; i < 5; i++ {
			x := float64(i) * 0.2
			raw = append(raw, det(0, 0.5, x, 0.0, x+0.1, 0.1))
		}
		for i := 0; i < 3; i++ {
			x := float64(i) * 0.2
			raw = append(raw, det(2, 0.7, x, 0.5, x+0.1, 0.6))
		}
		out, counts := Filter(raw, 0.5)
		assert.Len(t, out, 8)
		assert.Equal(t, iface.Counts{Fertilized: 5, Unfertilized: 3}, counts)
		assert.Equal(t, 8, counts.Total())
	})

	t.Run("input is not modified", func(t *testing.T) {
		raw := iface.DetectionSet{
			det(0, 0.6, 0.01, 0.01, 0.11, 0.11),
			det(0, 0.9, 0.00, 0.00, 0.10, 0.10),
		}
		before := append(iface.DetectionSet(nil), raw...)
		_, _ = Filter(raw, 0.5)
		assert.Equal(t, before, raw)
	})
}
