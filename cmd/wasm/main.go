//go:build js && wasm

package main

import (
	"context"
	"syscall/js"

	"peakfinder/internal/service"
	pf "peakfinder/pkg/peakfinder"
)

var (
	lastImage   *pf.Image
	lastSources []pf.Source
	lastField   *pf.FieldSummary
	lastFilter  string
)

func main() {
	js.Global().Set("detectSources", js.FuncOf(detectSources))
	js.Global().Set("renderOverlay", js.FuncOf(renderOverlay))
	select {} // block forever
}

// detectSources(fileBytes, options) runs a detection on an in-memory FITS
// file. options may set pixAcrossBeam, minBeams, beamsToSearch, contourStep,
// deltaRms, minvalRms, edgeClip and filter.
func detectSources(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("usage: detectSources(fileBytes, options)")
	}

	jsBytes := args[0]
	length := jsBytes.Get("length").Int()
	fileBytes := make([]byte, length)
	js.CopyBytesToGo(fileBytes, jsBytes)

	params := pf.DefaultParams()
	// Browsers run the module on one thread.
	params.Workers = 1
	filter := ""
	if len(args) >= 2 && args[1].Type() == js.TypeObject {
		opts := args[1]
		floatOpt(opts, "pixAcrossBeam", &params.PixAcrossBeam)
		floatOpt(opts, "minBeams", &params.MinBeams)
		floatOpt(opts, "beamsToSearch", &params.BeamsToSearch)
		floatOpt(opts, "contourStep", &params.ContourStep)
		floatOpt(opts, "deltaRms", &params.DeltaRMS)
		floatOpt(opts, "minvalRms", &params.MinValRMS)
		if v := opts.Get("edgeClip"); v.Type() == js.TypeNumber {
			params.EdgeClip = v.Int()
		}
		if v := opts.Get("filter"); v.Type() == js.TypeString {
			filter = v.String()
		}
	}

	planes, err := pf.ReadFitsFromBytes(fileBytes)
	if err != nil {
		return errorResult("FITS parse error: " + err.Error())
	}

	engine := pf.NewEngine(nil, nil)
	defer engine.Close()
	det := &service.Detector{Engine: engine}
	out, err := det.Detect(context.Background(), "wasm", planes, service.Options{Params: params, Filter: filter}, nil)
	if err != nil {
		return errorResult("Detection error: " + err.Error())
	}

	lastSources = out.Sources
	lastField = pf.SummarizeField(out.Sources, out.Width, out.Height)
	lastFilter = out.Filter
	lastImage = nil
	for _, p := range planes {
		if p.HDU == out.HDU {
			lastImage = p.Image
		}
	}

	jsResult := map[string]interface{}{
		"hdu":          out.HDU,
		"width":        out.Width,
		"height":       out.Height,
		"noise":        out.Noise,
		"searchRadius": out.SearchRadius,
		"tiles":        out.Tiles,
		"photometry":   out.Photometry,
		"filter":       out.Filter,
		"fluxUnit":     pf.FluxUnit,
	}

	jsSources := make([]interface{}, len(out.Sources))
	for i, s := range out.Sources {
		src := map[string]interface{}{
			"x":   s.X,
			"y":   s.Y,
			"ra":  s.RA,
			"dec": s.Dec,
		}
		if s.Flux != nil {
			src["flux"] = *s.Flux
		}
		if s.FluxErr != nil {
			src["fluxErr"] = *s.FluxErr
		}
		if s.SNR != nil {
			src["snr"] = *s.SNR
		}
		jsSources[i] = src
	}
	jsResult["sources"] = jsSources

	if lastField != nil {
		jsZones := make([]interface{}, len(lastField.Zones))
		for i, z := range lastField.Zones {
			jsZones[i] = map[string]interface{}{
				"label":       z.Label,
				"sourceCount": z.SourceCount,
				"density":     z.Density,
				"medianSNR":   z.MedianSNR,
			}
		}
		jsResult["field"] = map[string]interface{}{
			"zones":    jsZones,
			"busiest":  lastField.Busiest.String(),
			"emptiest": lastField.Emptiest.String(),
			"contrast": lastField.Contrast,
			"reliable": lastField.Reliable,
		}
	}

	return js.ValueOf(jsResult)
}

func renderOverlay(this js.Value, args []js.Value) interface{} {
	if lastImage == nil {
		return js.Null()
	}

	jpegBytes, err := pf.RenderOverlayBytes(lastImage, lastSources, pf.OverlayOptions{
		Field: lastField,
		Title: lastFilter,
	})
	if err != nil {
		return js.Null()
	}

	uint8Array := js.Global().Get("Uint8Array").New(len(jpegBytes))
	js.CopyBytesToJS(uint8Array, jpegBytes)
	return uint8Array
}

func floatOpt(opts js.Value, key string, dst *float64) {
	if v := opts.Get(key); v.Type() == js.TypeNumber {
		*dst = v.Float()
	}
}

func errorResult(msg string) interface{} {
	return js.ValueOf(map[string]interface{}{
		"error": msg,
	})
}
