package handler

import (
	"net/http"

	"github.com/nikhilbhat/credbroker/internal/api/response"
	"github.com/nikhilbhat/credbroker/internal/coord"
	"github.com/nikhilbhat/credbroker/internal/store"
)

// NewHealthHandler checks database and coordination backend connectivity.
// A down coordination backend reports 503 but the API keeps serving; jobs
// submitted meanwhile run on the degraded path.
func NewHealthHandler(st store.Store, co coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database":     "ok",
			"coordination": "ok",
		}

		if err := st.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := co.Ping(r.Context()); err != nil {
			checks["coordination"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["coordination"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
