package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"snipbin/cfg"
	"snipbin/pkg/domain"
	"snipbin/svc/cache"
	"snipbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"github.com/zeebo/blake3"
)

// JSON string escapes can grow content up to six times (\u0000).
const jsonOverhead = 6

type PasteService interface {
	Create(ctx context.Context, p domain.CreateParams) (*domain.Created, error)
	Read(ctx context.Context, shortlink string, password *string) (*domain.Paste, error)
}

type Hdl struct {
	paste PasteService
	cfg   *cfg.Cfg
	now   func() time.Time
}

type CreateReq struct {
	Content       string  `json:"content"`
	ExpiresIn     *int64  `json:"expires_in"`
	BurnAfterRead bool    `json:"burn_after_read"`
	Password      *string `json:"password,omitempty"`
}

type CreateResp struct {
	URL string `json:"url"`
}

type ContentResp struct {
	Content string `json:"content"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", contentType).Msg("invalid Content-Type header")
		writeErr(w, r, domain.ErrUnsupportedMedia)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed body not allowed")
		writeErr(w, r, domain.ErrInvalidRequest)
		return
	}
	limit := h.cfg.MaxPasteSize*jsonOverhead + 4096
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, r, domain.ErrPasteTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			writeErr(w, r, domain.ErrPasteTooLarge)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, r, domain.ErrInvalidRequest)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, r, domain.ErrInvalidRequest)
		}
		return
	}
	if dec.More() {
		log.Warn().Msg("trailing data after request body")
		writeErr(w, r, domain.ErrInvalidRequest)
		return
	}
	if req.ExpiresIn == nil {
		writeErr(w, r, domain.ErrInvalidExpiry)
		return
	}
	secs := *req.ExpiresIn
	if secs < int64(domain.MinExpiresIn/time.Second) || secs > int64(domain.MaxExpiresIn/time.Second) {
		log.Warn().Int64("expires_in", secs).Msg("expires_in out of range")
		writeErr(w, r, domain.ErrInvalidExpiry)
		return
	}
	created, err := h.paste.Create(r.Context(), domain.CreateParams{
		Content:       []byte(req.Content),
		ExpiresIn:     time.Duration(secs) * time.Second,
		BurnAfterRead: req.BurnAfterRead,
		Password:      req.Password,
	})
	if err != nil {
		if domain.Status(err) >= 500 {
			log.Error().Err(err).Msg("failed to create paste")
		} else {
			log.Warn().Err(err).Msg("create rejected")
		}
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(CreateResp{URL: "/" + created.Shortlink})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	shortlink := chi.URLParam(r, "shortlink")
	paste, err := h.paste.Read(r.Context(), shortlink, passwordFrom(r))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrWrongPassword):
			log.Warn().
				Str("shortlink", shortlink).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
		case domain.Status(err) >= 500:
			log.Error().Err(err).Str("shortlink", shortlink).Msg("read failed")
		}
		writeErr(w, r, err)
		return
	}
	if paste.Burned {
		w.Header().Set("Cache-Control", "no-store")
	} else {
		etag := contentETag(paste.Content)
		w.Header().Set("ETag", etag)
		maxAge := 0
		if ttl, ok := cache.TTLFor(paste.ExpiresAt, h.now()); ok {
			maxAge = int(ttl / time.Second)
		}
		w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(maxAge))
		if etagMatch(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	log.Debug().
		Str("shortlink", shortlink).
		Bool("burned", paste.Burned).
		Bool("cache_hit", paste.CacheHit).
		Msg("paste served")
	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ContentResp{Content: string(paste.Content)})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(paste.Content)))
	w.Write(paste.Content)
}

// passwordFrom returns nil when the client made no attempt. An empty p
// parameter still counts as an attempt.
func passwordFrom(r *http.Request) *string {
	q := r.URL.Query()
	if q.Has("p") {
		p := q.Get("p")
		return &p
	}
	if v, ok := r.Header["X-Paste-Password"]; ok && len(v) > 0 {
		p := v[0]
		return &p
	}
	return nil
}

func wantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "application/json" {
			return true
		}
	}
	return false
}

func contentETag(content []byte) string {
	sum := blake3.Sum256(content)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	statusCode := domain.Status(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(domain.ToResp(err, requestID))
}
