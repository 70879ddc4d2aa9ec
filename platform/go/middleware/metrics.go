package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/edumesh/edumesh-server/platform/go/metrics"
)

// Instrument records request latency and error counts on the shared
// registry. It must wrap the full chain so rejected requests count too.
func Instrument(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			reg.Observe(metrics.HistHTTPReqLatency, float64(time.Since(start).Microseconds())/1000)
			if ww.Status() >= 500 {
				reg.Inc(metrics.CtrHTTPErrors)
			}
		})
	}
}
