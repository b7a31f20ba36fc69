package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/banshee-data/worldtrack/internal/httputil"
	"github.com/banshee-data/worldtrack/internal/scene"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// echartsAssetsPrefix is where chart pages load the echarts script from.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// floorExtent returns a symmetric axis bound covering every placed node on
// the X/Z plane.
func floorExtent(nodes []scene.Node) float64 {
	maxAbs := 0.0
	for _, n := range nodes {
		p := n.WorldTransform.Position()
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.X), math.Abs(p.Z)))
	}
	pad := maxAbs * 1.2
	if pad == 0 {
		pad = 0.5
	}
	return pad
}

func (ws *WebServer) placedNodes() []scene.Node {
	if ws.scene == nil {
		return nil
	}
	var out []scene.Node
	for _, n := range ws.scene.Nodes() {
		if n.Placed {
			out = append(out, n)
		}
	}
	return out
}

// handleObjectsChart renders the placed objects seen from above (X/Z) as
// an interactive scatter, one series per marker.
func (ws *WebServer) handleObjectsChart(w http.ResponseWriter, r *http.Request) {
	nodes := ws.placedNodes()
	pad := floorExtent(nodes)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tracked Objects", Theme: "dark", Width: "800px", Height: "800px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Tracked Objects", Subtitle: fmt.Sprintf("objects=%d epoch=%d", len(nodes), ws.tracker.Stats().OriginEpoch)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Z (m)", NameLocation: "middle", NameGap: 30}),
	)

	for _, n := range nodes {
		p := n.WorldTransform.Position()
		data := []opts.ScatterData{{Value: []interface{}{p.X, p.Z}, Name: n.ObjectID}}
		scatter.AddSeries("marker "+strconv.Itoa(n.MarkerID), data,
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: n.Color}),
		)
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleObjectsPlot renders the same view as a static PNG.
// Query params:
//
//	size (optional, pixels, default 600)
func (ws *WebServer) handleObjectsPlot(w http.ResponseWriter, r *http.Request) {
	size, err := httputil.QueryInt(r, "size", 600, 100, 4000)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	nodes := ws.placedNodes()
	pad := floorExtent(nodes)

	p := plot.New()
	p.Title.Text = "Tracked Objects (top view)"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"
	p.X.Min, p.X.Max = -pad, pad
	p.Y.Min, p.Y.Max = -pad, pad
	p.Add(plotter.NewGrid())

	for _, n := range nodes {
		pos := n.WorldTransform.Position()
		s, err := plotter.NewScatter(plotter.XYs{{X: pos.X, Y: pos.Z}})
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to plot %s: %v", n.ObjectID, err))
			return
		}
		s.GlyphStyle.Color = scene.Color(n.Tag)
		s.GlyphStyle.Radius = vg.Points(5)
		s.GlyphStyle.Shape = draw.BoxGlyph{}
		p.Add(s)
		p.Legend.Add(fmt.Sprintf("marker %d", n.MarkerID), s)
	}

	wt, err := p.WriterTo(vg.Points(float64(size)), vg.Points(float64(size)), "png")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		tracef("write plot: %v", err)
	}
}
