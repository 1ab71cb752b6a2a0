package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// limitBody caps request bodies at limit bytes. Bodies sent with
// Content-Encoding: gzip are decompressed first and the cap applies to the
// decompressed stream. A body that is not valid gzip is rejected with 400.
func limitBody(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			body := req.Body
			if hasEncoding(req.Header.Get(echo.HeaderContentEncoding), "gzip") {
				zr, err := gzip.NewReader(req.Body)
				if err != nil {
					_ = req.Body.Close()
					return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
				}
				body = &decompressed{Reader: zr, raw: req.Body}
				req.ContentLength = -1
				req.Header.Del(echo.HeaderContentEncoding)
				req.Header.Del(echo.HeaderContentLength)
			}
			req.Body = http.MaxBytesReader(c.Response(), body, limit)
			return next(c)
		}
	}
}

// readBody drains the request body. Oversized bodies map to 413 and broken
// compressed streams to 400.
func readBody(c echo.Context) ([]byte, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err == nil {
		return data, nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
	}
	return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
}

func hasEncoding(header, encoding string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), encoding) {
			return true
		}
	}
	return false
}

type decompressed struct {
	*gzip.Reader
	raw io.Closer
}

func (d *decompressed) Close() error {
	return errors.Join(d.Reader.Close(), d.raw.Close())
}
