package server

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// adminRouter builds the read-only operational endpoints.
func (s *Server) adminRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.GetStats())
	})

	router.GET("/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"handles": s.presence.ListOnline()})
	})

	return router
}

// StartAdminAPI serves the admin endpoints on addr. It blocks, so callers
// run it on its own goroutine.
func (s *Server) StartAdminAPI(addr string) error {
	log.Printf("Admin API listening on %s", addr)
	return s.adminRouter().Run(addr)
}
