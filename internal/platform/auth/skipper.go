package auth

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// PublicRoutes returns a skipper that lets the given route patterns through without a
// token. It matches the registered route (c.Path), so it must run after routing.
func PublicRoutes(paths ...string) middleware.Skipper {
	public := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		public[p] = struct{}{}
	}
	return func(c echo.Context) bool {
		_, ok := public[c.Path()]
		return ok
	}
}

// AuthSkipper exempts the health check, which load balancers call without credentials.
var AuthSkipper = PublicRoutes("/health")
