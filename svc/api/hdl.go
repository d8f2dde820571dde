package api

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/SpyrosRoum/termpad/cfg"
	"github.com/SpyrosRoum/termpad/pkg/domain"
	"github.com/SpyrosRoum/termpad/svc/store"
	"github.com/SpyrosRoum/termpad/svc/util"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// maxFormSize bounds browser form uploads, which have to be parsed in memory.
const maxFormSize = 10 << 20

type Hdl struct {
	store *store.Store
	cfg   *cfg.Cfg
}

func (h *Hdl) url(id string) string {
	return util.PasteURL(h.cfg.PublicDomain(), id, h.cfg.HTTPS)
}

// Input serves the browser paste form.
func (h *Hdl) Input(w http.ResponseWriter, r *http.Request) {
	if err := renderPage(w, http.StatusOK, "input.html", nil); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("render input page")
	}
}

// Upload streams the request body into the store and answers with the URL
// of the new paste. Browser form posts are redirected to the paste instead.
func (h *Hdl) Upload(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed upload rejected")
		writeErr(w, r, domain.ErrInvalidRequest)
		return
	}
	if isForm(r) {
		h.uploadForm(w, r)
		return
	}
	if limit := h.cfg.MaxPasteSize; limit > 0 && r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, r, domain.ErrPasteTooLarge)
		return
	}
	id, err := h.store.Create(r.Context(), r.Body)
	if errors.Is(err, context.Canceled) {
		log.Debug().Msg("client went away during upload")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("upload failed")
		writeErr(w, r, err)
		return
	}
	log.Info().Str("paste_id", id).Msg("paste created")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Location", "/"+id)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, h.url(id)+"\n")
}

func (h *Hdl) uploadForm(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, r, domain.ErrPasteTooLarge)
			return
		}
		log.Warn().Err(err).Msg("invalid form")
		writeErr(w, r, domain.ErrInvalidRequest)
		return
	}
	content := r.PostForm.Get("content")
	if content == "" {
		writeErr(w, r, domain.ErrContentRequired)
		return
	}
	id, err := h.store.Create(r.Context(), strings.NewReader(content))
	if err != nil {
		log.Warn().Err(err).Msg("form upload failed")
		writeErr(w, r, err)
		return
	}
	log.Info().Str("paste_id", id).Msg("paste created from form")
	http.Redirect(w, r, "/"+id, http.StatusSeeOther)
}

// Render shows a paste as an HTML page. Unknown pastes send the visitor to
// the usage page.
func (h *Hdl) Render(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	id := chi.URLParam(r, "id")
	text, err := h.store.Text(r.Context(), id)
	if domain.IsNotFound(err) {
		log.Debug().Str("paste_id", id).Msg("paste not found")
		http.Redirect(w, r, "/usage?not_found=true", http.StatusSeeOther)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("paste_id", id).Msg("render paste")
		writeErr(w, r, err)
		return
	}
	if err := renderPage(w, http.StatusOK, "paste.html", pasteView{Code: text}); err != nil {
		log.Error().Err(err).Msg("render paste page")
	}
}

// Raw streams the decompressed paste as plain text.
func (h *Hdl) Raw(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	id := chi.URLParam(r, "id")
	p, err := h.store.Stat(id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Last-Modified", p.ModifiedAt.UTC().Format(http.TimeFormat))
	n, err := h.store.WriteTo(r.Context(), id, w)
	if err == nil {
		return
	}
	if n == 0 {
		// nothing sent yet, so the status can still say what went wrong
		if !domain.IsNotFound(err) {
			log.Error().Err(err).Str("paste_id", id).Msg("stream paste")
		}
		writeErr(w, r, err)
		return
	}
	log.Error().Err(err).Str("paste_id", id).Int64("sent", n).Msg("paste stream cut short")
}

func (h *Hdl) Usage(w http.ResponseWriter, r *http.Request) {
	notFound, _ := strconv.ParseBool(r.URL.Query().Get("not_found"))
	scheme := "http"
	if h.cfg.HTTPS {
		scheme = "https"
	}
	view := usageView{
		NotFound:    notFound,
		Scheme:      scheme,
		Domain:      h.cfg.PublicDomain(),
		Host:        hostOnly(h.cfg.PublicDomain()),
		RawPort:     h.cfg.RawPort,
		RawReadPort: h.cfg.RawReadPort,
		DeleteAfter: h.cfg.DeleteAfter,
	}
	if err := renderPage(w, http.StatusOK, "usage.html", view); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("render usage page")
	}
}

func isForm(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

// writeErr answers with the plain text message of err. Server side faults
// are logged here with their cause and shown to the client as an opaque
// message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.Status(err)
	msg := domain.ToResp(err).Error.Msg
	if status >= 500 {
		util.Error().
			Err(err).
			Str("request_id", util.GetRequestID(r.Context())).
			Msg("internal error")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	io.WriteString(w, msg+"\n")
}
