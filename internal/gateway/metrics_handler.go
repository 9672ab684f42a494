package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// metricsHandler serves the collector snapshot. JSON by default;
// ?format=text renders the scrape exposition, ?scope=fleet merges
// recent snapshots from every instance in the store.
func (g *Gateway) metricsHandler(c *gin.Context) {
	if c.Query("format") == "text" {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.Status(http.StatusOK)
		g.collector.WriteText(c.Writer)
		return
	}

	if c.Query("scope") == "fleet" && g.publisher != nil {
		cutoff := time.Now().Add(-g.publisher.Retention())
		merged, err := g.publisher.Aggregate(c.Request.Context(), cutoff)
		if err != nil {
			zap.L().Warn("fleet metrics aggregation incomplete", zap.Error(err))
		}
		c.JSON(http.StatusOK, merged)
		return
	}

	c.JSON(http.StatusOK, g.collector.Snapshot())
}
