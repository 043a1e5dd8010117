package handlers

import (
	"net/http"
	"sort"
	"strings"

	"packplanner/internal/observability"

	"github.com/gin-gonic/gin"
)

// RouteInfo represents information about a single route
type RouteInfo struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	HandlerName string `json:"handler_name"`
}

// RouteListing is the JSON document served at the root path
type RouteListing struct {
	Service  string         `json:"service"`
	Total    int            `json:"total"`
	ByMethod map[string]int `json:"by_method"`
	Routes   []RouteInfo    `json:"routes"`
}

// RouteListingHandler generates automatic route listings
type RouteListingHandler struct {
	serviceName string
	routes      []RouteInfo
}

// NewRouteListingHandler creates a new route listing handler
func NewRouteListingHandler(serviceName string) *RouteListingHandler {
	return &RouteListingHandler{
		serviceName: serviceName,
		routes:      []RouteInfo{},
	}
}

// CollectRoutes extracts all routes from a Gin engine, sorted by path then method
func (h *RouteListingHandler) CollectRoutes(engine *gin.Engine) {
	h.routes = []RouteInfo{}
	for _, route := range engine.Routes() {
		if strings.HasPrefix(route.Path, "/debug/") {
			continue
		}
		h.routes = append(h.routes, RouteInfo{
			Method:      route.Method,
			Path:        route.Path,
			HandlerName: shortHandlerName(route.Handler),
		})
	}
	sort.Slice(h.routes, func(i, j int) bool {
		if h.routes[i].Path != h.routes[j].Path {
			return h.routes[i].Path < h.routes[j].Path
		}
		return h.routes[i].Method < h.routes[j].Method
	})
}

// Listing returns the collected routes with per-method counts
func (h *RouteListingHandler) Listing() RouteListing {
	byMethod := map[string]int{}
	for _, r := range h.routes {
		byMethod[r.Method]++
	}
	return RouteListing{
		Service:  h.serviceName,
		Total:    len(h.routes),
		ByMethod: byMethod,
		Routes:   h.routes,
	}
}

// GetRouteListingJSON returns the route listing as JSON
func (h *RouteListingHandler) GetRouteListingJSON(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "get_route_listing_json")
	defer observability.FinishSpan(span, nil)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.JSON(http.StatusOK, h.Listing())
}

// shortHandlerName trims the module path from a gin handler name,
// e.g. "packplanner/internal/handlers.(*PlanHandler).GetPack-fm" becomes "handlers.(*PlanHandler).GetPack"
func shortHandlerName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}
