// Package files exposes the relay operations over HTTP for messaging bridges
// and operators.
package files

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
	"github.com/relaybox/relay/identity"
	"github.com/relaybox/relay/relay"
	"github.com/relaybox/relay/streamurl"
	"github.com/relaybox/relay/transfer"
	"github.com/relaybox/relay/transport"
)

// Request headers understood by the upload and download handlers.
const (
	HeaderSessionID = "X-Session-Id"
	HeaderSeed      = "X-File-Seed"
)

// Service is the part of relay.Service the handlers use.
type Service interface {
	Ingest(ctx context.Context, in relay.Inbound) (relay.Stored, error)
	Record(ctx context.Context, id string) (identity.FileRecord, error)
	Links(ctx context.Context, id string) (identity.FileRecord, streamurl.URLs, error)
	Streamable(rec identity.FileRecord) bool
	Deliver(ctx context.Context, sessionID, id string, sink transport.Sink) (transfer.Result, error)
	Cancel(sessionID string) error
	Active() []transfer.Snapshot
}

// Dispatcher runs chat commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, chatID, text string) (relay.Response, error)
}

// Handler ...
type Handler struct {
	service  Service
	commands Dispatcher
	logger   log.Logger
}

// NewHandler ...
func NewHandler(service Service, commands Dispatcher, logger log.Logger) *Handler {
	return &Handler{
		service:  service,
		commands: commands,
		logger:   logger,
	}
}

// Register mounts the handlers on r, usually the /api/v1 group.
func (h *Handler) Register(r gin.IRouter) {
	fileRoutes := r.Group("/files")
	fileRoutes.PUT("/:name", h.Upload)
	fileRoutes.GET("/:id", h.Info)
	fileRoutes.GET("/:id/links", h.Links)
	fileRoutes.GET("/:id/download", h.Download)

	transfers := r.Group("/transfers")
	transfers.GET("", h.Transfers)
	transfers.DELETE("/:session", h.CancelTransfer)

	if h.commands != nil {
		r.POST("/commands", h.Command)
	}
}

// Upload stores the request body under the filename in the path. The body
// length is unknown for chunked requests.
func (h *Handler) Upload(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		badRequest(c, "missing file name")
		return
	}

	size := c.Request.ContentLength
	if size < 0 {
		size = transport.UnknownSize
	}

	stored, err := h.service.Ingest(c.Request.Context(), relay.Inbound{
		SessionID: c.GetHeader(HeaderSessionID),
		Filename:  name,
		Size:      size,
		MimeType:  c.ContentType(),
		Seed:      c.GetHeader(HeaderSeed),
		Body:      c.Request.Body,
	})
	if err != nil {
		h.transferFailure(c, err)
		return
	}

	c.JSON(http.StatusCreated, UploadResponse{
		File:      stored.Record,
		URLs:      stored.URLs,
		Streaming: h.service.Streamable(stored.Record),
		Transfer:  viewOf(stored.Session),
	})
}

// Info ...
func (h *Handler) Info(c *gin.Context) {
	rec, err := h.service.Record(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.transferFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Links issues fresh streaming URLs.
func (h *Handler) Links(c *gin.Context) {
	rec, urls, err := h.service.Links(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.transferFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, LinksResponse{
		File:      rec,
		URLs:      urls,
		Streaming: h.service.Streamable(rec),
	})
}

// Download sends a stored file through the transfer engine. Once the first
// chunk is written the status can't change, so later failures only end the
// response early.
func (h *Handler) Download(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.service.Record(c.Request.Context(), id)
	if err != nil {
		h.transferFailure(c, err)
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", rec.MimeType)
	header.Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	header.Set("Content-Disposition", identity.ContentDisposition(rec.Filename))
	if rec.Digest != "" {
		header.Set("ETag", strconv.Quote(rec.Digest))
	}

	_, err = h.service.Deliver(c.Request.Context(), c.GetHeader(HeaderSessionID), id, transport.NewWriterSink(c.Writer))
	if err == nil {
		if !c.Writer.Written() {
			c.Status(http.StatusOK)
			c.Writer.WriteHeaderNow()
		}
		return
	}
	if c.Writer.Written() {
		h.logger.Warnf("Download of %s interrupted: %s", id, err)
		c.Abort()
		return
	}
	header.Del("Content-Length")
	header.Del("Content-Disposition")
	header.Del("ETag")
	h.transferFailure(c, err)
}

// Transfers lists the running transfers.
func (h *Handler) Transfers(c *gin.Context) {
	active := h.service.Active()
	views := make([]TransferView, 0, len(active))
	for _, s := range active {
		views = append(views, viewOf(s))
	}
	c.JSON(http.StatusOK, views)
}

// CancelTransfer ...
func (h *Handler) CancelTransfer(c *gin.Context) {
	if err := h.service.Cancel(c.Param("session")); err != nil {
		if errors.Is(err, transfer.ErrSessionNotFound) {
			errorResponse(c, http.StatusNotFound, "transfer not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Status(http.StatusAccepted)
}

// Command runs one chat command and returns the reply to render.
func (h *Handler) Command(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid command request")
		return
	}

	resp, err := h.commands.Dispatch(c.Request.Context(), req.ChatID, req.Text)
	if err != nil {
		var usageErr *relay.UsageError
		switch {
		case errors.As(err, &usageErr):
			badRequest(c, usageErr.Error())
		case errors.Is(err, relay.ErrUnknownCommand):
			badRequest(c, "unknown command, use /help")
		default:
			h.transferFailure(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, CommandResponse(resp))
}

func (h *Handler) transferFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relay.ErrFileNotFound):
		errorResponse(c, http.StatusNotFound, "file not found")
	case errors.Is(err, transfer.ErrTooLarge):
		errorResponse(c, http.StatusRequestEntityTooLarge, transfer.ErrTooLarge.Error())
	case errors.Is(err, transfer.ErrTransferAborted), errors.Is(err, context.Canceled):
		errorResponse(c, http.StatusConflict, "transfer cancelled")
	case errors.Is(err, identity.ErrIdentityExhausted):
		errorResponse(c, http.StatusServiceUnavailable, "could not allocate a file id")
	case errors.Is(err, transfer.ErrEngineClosed):
		errorResponse(c, http.StatusServiceUnavailable, "shutting down")
	default:
		h.logger.Errorf("Request %s %s failed: %s", c.Request.Method, c.Request.URL.Path, err)
		errorResponse(c, http.StatusInternalServerError, "transfer failed")
	}
}

func badRequest(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, message)
}

func errorResponse(c *gin.Context, status int, message string) {
	c.Writer.Header().Del("Content-Type")
	c.AbortWithStatusJSON(status, HTTPError{Error: message})
}
