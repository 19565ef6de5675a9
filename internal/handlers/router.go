package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouterConfig bundles the configuration of every route group.
type RouterConfig struct {
	DICOM        DICOMConfig
	Worklist     WorklistConfig
	Appointments AppointmentsConfig
}

// NewRouter returns the service's gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterDICOMRoutes(r, cfg.DICOM)
	RegisterWorklistRoutes(r, cfg.Worklist)
	RegisterAppointmentRoutes(r, cfg.Appointments)

	return r
}
