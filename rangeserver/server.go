// Package rangeserver serves stored files over HTTP with single byte range
// support, so players can seek without downloading the whole object.
package rangeserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
	"github.com/relaybox/relay/identity"
	"github.com/relaybox/relay/storage"
	"github.com/relaybox/relay/streamurl"
)

const defaultContentType = "application/octet-stream"

// ObjectReader is the part of the store the server reads from.
type ObjectReader interface {
	storage.Header
	GetObjectRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
}

// Verifier checks the URL token of a request.
type Verifier interface {
	Verify(token, id string) error
}

// Server ...
type Server struct {
	store    ObjectReader
	verifier Verifier
	logger   log.Logger
}

// NewServer creates a server. A nil verifier serves every id without a token.
func NewServer(store ObjectReader, verifier Verifier, logger log.Logger) *Server {
	return &Server{store: store, verifier: verifier, logger: logger}
}

// Register mounts the stream routes.
func (s *Server) Register(r gin.IRoutes) {
	r.GET("/stream/:id", s.Stream)
	r.HEAD("/stream/:id", s.Stream)
}

// Stream serves GET and HEAD /stream/:id.
func (s *Server) Stream(c *gin.Context) {
	id := c.Param("id")

	if s.verifier != nil {
		if err := s.verifier.Verify(c.Query("token"), id); err != nil {
			if errors.Is(err, streamurl.ErrURLExpired) {
				errorResponse(c, http.StatusGone, "link expired")
			} else {
				errorResponse(c, http.StatusForbidden, "invalid link")
			}
			return
		}
	}

	key, err := identity.KeyForID(id)
	if err != nil {
		errorResponse(c, http.StatusNotFound, "file not found")
		return
	}

	ctx := c.Request.Context()
	info, err := s.store.HeadObject(ctx, key)
	if err != nil {
		s.storeFailure(c, id, err)
		return
	}

	rng, err := ParseRange(c.GetHeader("Range"), info.Size)
	if err != nil {
		s.logger.Debugf("Rejecting range %q for %s: %s", c.GetHeader("Range"), id, err)
		c.Header("Accept-Ranges", "bytes")
		c.Header("Content-Range", UnsatisfiedRange(info.Size))
		errorResponse(c, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", identity.ContentDisposition(identity.RecordFromObject(id, info).Filename))
	if info.Digest != "" {
		c.Header("ETag", fmt.Sprintf("%q", info.Digest))
	}

	status, start, end := http.StatusOK, int64(0), info.Size-1
	if rng != nil {
		status, start, end = http.StatusPartialContent, rng.Start, rng.End
		c.Header("Content-Range", rng.ContentRange(info.Size))
	}
	length := end - start + 1

	if c.Request.Method == http.MethodHead || length == 0 {
		c.Header("Content-Length", fmt.Sprint(length))
		c.Status(status)
		return
	}

	body, err := s.store.GetObjectRange(ctx, key, start, end)
	if err != nil {
		s.storeFailure(c, id, err)
		return
	}
	defer func() {
		if err := body.Close(); err != nil {
			s.logger.Debugf("Failed to close object body of %s: %s", id, err)
		}
	}()

	c.DataFromReader(status, length, contentType, body, nil)
}

func (s *Server) storeFailure(c *gin.Context, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "file not found")
		return
	}
	s.logger.Warnf("Failed to read %s from the store: %s", id, err)
	errorResponse(c, http.StatusBadGateway, "storage unavailable")
}

func errorResponse(c *gin.Context, status int, message string) {
	c.Writer.Header().Del("Content-Type")
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

