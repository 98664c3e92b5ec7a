package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"calsync/internal/access"
	"calsync/internal/availability"
	"calsync/internal/calsync"
	"calsync/internal/csvimport"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/store"
)

// maxUpload bounds multipart calendar uploads.
const maxUpload = 10 << 20

// Server exposes the calendar sync operations over HTTP. Every /api route
// requires a bearer token; /health does not.
type Server struct {
	svc    *calsync.Service
	auth   *Authenticator
	router *httprouter.Router
}

// NewServer constructs a new Server.
func NewServer(svc *calsync.Service, auth *Authenticator) *Server {
	s := &Server{
		svc:    svc,
		auth:   auth,
		router: httprouter.New(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		appLog.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", s.handleHealth)

	r.POST("/api/units/:unit/calendar/import", s.auth.Require(access.ManageCalendar, s.handleImport))
	r.GET("/api/units/:unit/calendar/sources", s.auth.Require(access.ViewCalendar, s.handleSources))
	r.GET("/api/units/:unit/availability", s.auth.Require(access.ViewBookings, s.handleAvailability))

	r.POST("/api/calendar/sources/:id/refresh", s.auth.Require(access.ManageCalendar, s.handleRefresh))
	r.PATCH("/api/calendar/sources/:id", s.auth.Require(access.ManageCalendar, s.handleSetActive))
	r.DELETE("/api/calendar/sources/:id", s.auth.Require(access.ManageCalendar, s.handleDeleteSource))

	r.POST("/api/bookings/csv", s.auth.Require(access.ManageBookings, s.handleCSV))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// syncResponse is returned by every endpoint that runs a sync.
type syncResponse struct {
	SourceID    uuid.UUID            `json:"source_id"`
	Added       int                  `json:"added"`
	Updated     int                  `json:"updated"`
	Cancelled   int                  `json:"cancelled"`
	Linked      int                  `json:"linked"`
	AffectedIDs []uuid.UUID          `json:"affected_booking_ids"`
	Skipped     int                  `json:"skipped_events"`
	Ambiguous   bool                 `json:"ambiguous,omitempty"`
	Conflicts   []reconcile.Conflict `json:"conflicts,omitempty"`
	Message     string               `json:"message"`
}

func newSyncResponse(label string, res reconcile.Result) syncResponse {
	ids := res.AffectedIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return syncResponse{
		SourceID:    res.SourceID,
		Added:       res.Added,
		Updated:     res.Updated,
		Cancelled:   res.Cancelled,
		Linked:      res.Linked,
		AffectedIDs: ids,
		Skipped:     res.Skipped,
		Ambiguous:   res.Ambiguous,
		Conflicts:   res.Conflicts,
		Message:     summaryMessage(label, res),
	}
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %s", n, pluralForm)
}

// summaryMessage is the line shown to the user after a sync, e.g.
// "Calendar 'Airbnb #1' synchronized: 2 new bookings, 1 booking marked as cancelled".
func summaryMessage(label string, res reconcile.Result) string {
	var parts []string
	if res.Added > 0 {
		parts = append(parts, plural(res.Added, "new booking", "new bookings"))
	}
	if res.Updated > 0 {
		parts = append(parts, plural(res.Updated, "updated booking", "updated bookings"))
	}
	if res.Cancelled > 0 {
		parts = append(parts, plural(res.Cancelled, "booking", "bookings")+" marked as cancelled")
	}
	if res.Linked > 0 {
		parts = append(parts, plural(res.Linked, "existing booking", "existing bookings")+" linked")
	}

	prefix := "Calendar synchronized: "
	if label != "" {
		prefix = fmt.Sprintf("Calendar '%s' synchronized: ", label)
	}
	if len(parts) == 0 {
		return prefix + "No changes detected"
	}
	return prefix + strings.Join(parts, ", ")
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p := PrincipalFrom(r.Context())
	unitID, ok := pathUUID(w, ps, "unit")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	req := calsync.ImportRequest{
		UnitID:     unitID,
		Platform:   strings.TrimSpace(r.FormValue("platform")),
		Identifier: strings.TrimSpace(r.FormValue("identifier")),
		Actor:      &p.UserID,
		CompanyID:  &p.CompanyID,
	}
	if req.Platform == "" {
		writeError(w, http.StatusBadRequest, "platform is required")
		return
	}

	importType := strings.ToLower(strings.TrimSpace(r.FormValue("import_type")))
	if importType == "" {
		importType = "file"
		if r.FormValue("ics_url") != "" {
			importType = "url"
		}
	}

	var (
		res reconcile.Result
		err error
	)
	switch importType {
	case "url":
		req.URL = strings.TrimSpace(r.FormValue("ics_url"))
		res, err = s.svc.ImportURL(r.Context(), req)
	case "file":
		f, _, ferr := r.FormFile("ics_file")
		if ferr != nil {
			writeError(w, http.StatusBadRequest, "ics_file is required")
			return
		}
		defer f.Close()
		raw, rerr := io.ReadAll(f)
		if rerr != nil {
			writeError(w, http.StatusBadRequest, "failed to read ics_file")
			return
		}
		res, err = s.svc.ImportFeed(r.Context(), req, raw)
	default:
		writeError(w, http.StatusBadRequest, "import_type must be url or file")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	label := req.Identifier
	if label == "" {
		label = req.Platform
	}
	writeJSON(w, http.StatusOK, newSyncResponse(label, res))
}

// sourceView hides the secret token most feed URLs carry.
type sourceView struct {
	model.CalendarSource
	URL string `json:"ics_url,omitempty"`
}

func newSourceView(src model.CalendarSource) sourceView {
	v := sourceView{CalendarSource: src}
	if src.URL != "" {
		v.URL = ics.RedactURL(src.URL)
	}
	return v
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p := PrincipalFrom(r.Context())
	unitID, ok := pathUUID(w, ps, "unit")
	if !ok {
		return
	}

	list, suggested, err := s.svc.Sources(r.Context(), unitID, p.CompanyID, r.URL.Query().Get("platform"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]sourceView, 0, len(list))
	for _, src := range list {
		views = append(views, newSourceView(src))
	}
	writeJSON(w, http.StatusOK, struct {
		Sources             []sourceView `json:"sources"`
		SuggestedIdentifier string       `json:"suggested_identifier,omitempty"`
	}{views, suggested})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p := PrincipalFrom(r.Context())
	id, ok := pathUUID(w, ps, "id")
	if !ok {
		return
	}

	res, err := s.svc.Refresh(r.Context(), id, &p.CompanyID, &p.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	label := ""
	if src, err := s.svc.Source(r.Context(), id); err == nil {
		label = src.Identifier
		if label == "" {
			label = src.Platform
		}
	}
	writeJSON(w, http.StatusOK, newSyncResponse(label, res))
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p := PrincipalFrom(r.Context())
	id, ok := pathUUID(w, ps, "id")
	if !ok {
		return
	}

	var body struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Active == nil {
		writeError(w, http.StatusBadRequest, `body must be {"active": true|false}`)
		return
	}

	src, err := s.svc.SetSourceActive(r.Context(), id, p.CompanyID, *body.Active)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSourceView(*src))
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p := PrincipalFrom(r.Context())
	id, ok := pathUUID(w, ps, "id")
	if !ok {
		return
	}
	if err := s.svc.DeleteSource(r.Context(), id, p.CompanyID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	p := PrincipalFrom(r.Context())

	var body struct {
		Bookings []csvimport.Record `json:"bookings"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpload)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.svc.ImportCSV(r.Context(), p.CompanyID, body.Bookings)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	ids := res.AffectedIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	writeJSON(w, http.StatusOK, struct {
		Updated     int         `json:"updated"`
		Unchanged   int         `json:"unchanged"`
		NotFound    int         `json:"not_found"`
		Errors      int         `json:"errors"`
		AffectedIDs []uuid.UUID `json:"affected_booking_ids"`
		Message     string      `json:"message"`
	}{
		res.Updated, res.Unchanged, res.NotFound, res.Errors, ids,
		fmt.Sprintf("Updated %s from CSV", plural(res.Updated, "booking", "bookings")),
	})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p := PrincipalFrom(r.Context())
	unitID, ok := pathUUID(w, ps, "unit")
	if !ok {
		return
	}

	q := r.URL.Query()
	checkIn, err1 := time.Parse("2006-01-02", q.Get("check_in"))
	checkOut, err2 := time.Parse("2006-01-02", q.Get("check_out"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "check_in and check_out must be YYYY-MM-DD")
		return
	}
	var exclude *uuid.UUID
	if v := q.Get("exclude"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid exclude id")
			return
		}
		exclude = &id
	}

	conflicts, err := s.svc.Availability(r.Context(), unitID, p.CompanyID, checkIn, checkOut, exclude)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []model.Booking{}
	}
	writeJSON(w, http.StatusOK, struct {
		Available bool            `json:"available"`
		Conflicts []model.Booking `json:"conflicts"`
	}{len(conflicts) == 0, conflicts})
}

func pathUUID(w http.ResponseWriter, ps httprouter.Params, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(ps.ByName(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+" id")
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps service errors onto HTTP statuses. Unknown errors are 500
// and their text is not sent to the client.
func statusFor(err error) (int, string) {
	var (
		fetchErr *ics.FeedFetchError
		parseErr *ics.FeedParseError
	)
	switch {
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway, fetchErr.Error()
	case errors.As(err, &parseErr):
		return http.StatusUnprocessableEntity, parseErr.Error()
	case errors.Is(err, store.ErrNotFound), errors.Is(err, reconcile.ErrUnitNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, reconcile.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, reconcile.ErrInvalidRequest),
		errors.Is(err, calsync.ErrNoSourceURL),
		errors.Is(err, availability.ErrInvalidRange),
		errors.Is(err, csvimport.ErrNoRecords):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		appLog.Error("request failed", err)
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
