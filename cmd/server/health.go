package main

import (
	"context"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aura-exam/proctor/pkg/response"
)

const healthTimeout = 2 * time.Second

// healthHandler runs every check and answers 200 when all pass, 503 otherwise.
func healthHandler(checks map[string]func(ctx context.Context) error) gin.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := gin.H{}
		healthy := true
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}
		if !healthy {
			response.Unhealthy(c, status)
			return
		}
		response.OK(c, status)
	}
}
