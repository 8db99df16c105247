// Package httpapi is the gin front end of the analysis service.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	iface "DendroDetServer/interface"
	"DendroDetServer/monitor"
	"DendroDetServer/pipeline"
	"DendroDetServer/render"
	"DendroDetServer/store"
)

// Processor is the part of the pipeline the handlers need.
type Processor interface {
	Process(ctx context.Context, data []byte) (iface.AnalysisResult, error)
	Info() pipeline.Info
}

type Options struct {
	AllowedOrigins []string
	MaxUploadBytes int64
	TableFormat    string
}

type Handler struct {
	proc      Processor
	store     store.Repository
	annotator *render.Annotator
	metrics   *monitor.Metrics
	opts      Options
}

func NewHandler(proc Processor, repo store.Repository, annotator *render.Annotator, metrics *monitor.Metrics, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	if opts.TableFormat == "" {
		opts.TableFormat = render.TableXLSX
	}
	if annotator == nil {
		annotator = render.NewAnnotator(render.FormatJPEG, 90)
	}
	return &Handler{proc: proc, store: repo, annotator: annotator, metrics: metrics, opts: opts}
}

// Router builds the gin engine with all routes registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = h.opts.MaxUploadBytes
	r.Use(requestID(), requestLogger(), recovery(), cors(h.opts.AllowedOrigins))

	r.GET("/", h.root)
	r.GET("/health", h.health)
	r.GET("/model-info", h.modelInfo)
	limit := limitBody(h.opts.MaxUploadBytes)
	r.POST("/process-image", limit, h.processImage)
	r.POST("/annotate-image", limit, h.annotateImage)
	r.POST("/export-table", limit, h.exportTable)
	r.GET("/results/:id", h.getResult)
	return r
}

// NewServer wraps the router with transport timeouts.
func (h *Handler) NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
	}
}
