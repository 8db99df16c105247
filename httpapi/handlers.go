package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	iface "DendroDetServer/interface"
	"DendroDetServer/logger"
	"DendroDetServer/render"
	"DendroDetServer/store"
)

const transport = "http"

// ProcessResponse is the body of a successful POST /process-image.
type ProcessResponse = store.Record

type upload struct {
	filename    string
	contentType string
	data        []byte
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Dendrology API is running"})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) modelInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.proc.Info())
}

// readUpload enforces the "file" field, the upload size limit and an
// image/* content type. It
// writes the error response itself and returns false on failure.
func (h *Handler) readUpload(c *gin.Context) (upload, bool) {
	fh, err := c.FormFile("file")
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) || (err == nil && fh.Size > h.opts.MaxUploadBytes) {
		h.metrics.ObserveRequest(transport, "invalid")
		c.JSON(http.StatusRequestEntityTooLarge, tooLarge(h.opts.MaxUploadBytes))
		return upload{}, false
	}
	if err != nil {
		h.metrics.ObserveRequest(transport, "invalid")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "field 'file' is required"})
		return upload{}, false
	}
	ct := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") {
		h.metrics.ObserveRequest(transport, "invalid")
		c.JSON(http.StatusBadRequest, gin.H{"detail": "file must be an image"})
		return upload{}, false
	}
	data, err := readFile(fh)
	if err != nil {
		_ = c.Error(err)
		h.metrics.ObserveRequest(transport, "error")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": fmt.Sprintf("error processing image: %v", err)})
		return upload{}, false
	}
	return upload{filename: fh.Filename, contentType: ct, data: data}, true
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

// analyze runs the pipeline and records metrics. On error it has already
// written a 500 response.
func (h *Handler) analyze(c *gin.Context, up upload) (iface.AnalysisResult, bool) {
	start := time.Now()
	res, err := h.proc.Process(c.Request.Context(), up.data)
	if err != nil {
		_ = c.Error(err)
		h.metrics.ObserveRequest(transport, "error")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": fmt.Sprintf("error processing image: %v", err)})
		return iface.AnalysisResult{}, false
	}
	h.metrics.ObserveInference(time.Since(start), len(res.Detections))
	h.metrics.ObserveRequest(transport, "ok")
	return res, true
}

func (h *Handler) processImage(c *gin.Context) {
	up, ok := h.readUpload(c)
	if !ok {
		return
	}
	res, ok := h.analyze(c, up)
	if !ok {
		return
	}

	rec := store.Record{
		ID:          uuid.NewString(),
		Filename:    up.filename,
		FileSize:    int64(len(up.data)),
		ContentType: up.contentType,
		Result:      res,
		CreatedAt:   time.Now().UTC(),
	}
	if h.store != nil {
		if err := h.store.Save(c.Request.Context(), rec); err != nil {
			logger.Log().Error("save result",
				zap.String("record_id", rec.ID),
				zap.String("request_id", c.GetString(requestIDKey)),
				zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) annotateImage(c *gin.Context) {
	up, ok := h.readUpload(c)
	if !ok {
		return
	}
	res, ok := h.analyze(c, up)
	if !ok {
		return
	}
	out, err := h.annotator.Annotate(up.data, res)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	c.Data(http.StatusOK, h.annotator.ContentType(), out)
}

func (h *Handler) exportTable(c *gin.Context) {
	format := c.DefaultQuery("format", h.opts.TableFormat)
	if format != render.TableXLSX && format != render.TableCSV {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "format must be xlsx or csv"})
		return
	}
	up, ok := h.readUpload(c)
	if !ok {
		return
	}
	res, ok := h.analyze(c, up)
	if !ok {
		return
	}
	out, err := render.ToTable(res, format)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="detections.%s"`, format))
	c.Data(http.StatusOK, render.TableContentType(format), out)
}

func (h *Handler) getResult(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "result not found"})
		return
	}
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "result not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}
