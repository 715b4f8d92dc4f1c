package report

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Handler serves the metrics gathered from g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		families, err := g.Gather()
		if err != nil && len(families) == 0 {
			http.Error(w, fmt.Sprintf("Error gathering metrics: %v", err), http.StatusInternalServerError)
			return
		}

		format := expfmt.NewFormat(expfmt.TypeTextPlain)
		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, format)
		for _, mf := range families {
			if err := encoder.Encode(mf); err != nil {
				http.Error(w, fmt.Sprintf("Error encoding metrics: %v", err), http.StatusInternalServerError)
				return
			}
		}
		w.Header().Set("Content-Type", string(format))
		w.Write(buf.Bytes())
	})
}
