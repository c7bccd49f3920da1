package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/xid"

	"pkt.systems/pslog"

	"pkt.systems/patchd/api"
	"pkt.systems/patchd/internal/correlation"
	"pkt.systems/patchd/internal/progress"
)

// streamOperation runs one mutating lifecycle operation with an NDJSON
// progress stream attached. The reporter stays alive for background
// reconciliation after the stream is detached.
func (h *Handler) streamOperation(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, rep *progress.Reporter) (string, error)) error {
	ctx := r.Context()
	opID := xid.New().String()
	stream := newProgressStream(w, opID, correlation.ID(ctx))
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	rep := progress.New(progress.Config{
		OperationID: opID,
		Sink:        stream,
		Logger:      logger,
		Alerter:     h.alerter,
		Clock:       h.clock,
	})
	message, err := fn(ctx, rep)
	rep.Close()
	if err != nil {
		err = convertServiceError(err)
	}
	return stream.finish(h.clock.Now(), message, err)
}

func (h *Handler) handleListTitles(w http.ResponseWriter, r *http.Request) error {
	all, err := h.svc.ListTitles(r.Context())
	if err != nil {
		return convertServiceError(err)
	}
	h.writeJSON(w, http.StatusOK, api.TitleListResponse{Titles: all})
	return nil
}

func (h *Handler) handleGetTitle(w http.ResponseWriter, r *http.Request) error {
	resp, err := h.svc.GetTitle(r.Context(), r.PathValue("title"))
	if err != nil {
		return convertServiceError(err)
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleCreateTitle(w http.ResponseWriter, r *http.Request) error {
	var req api.CreateTitleRequest
	if err := h.decodeJSONBody(r.Body, &req, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		return err
	}
	return h.streamOperation(w, r, func(ctx context.Context, rep *progress.Reporter) (string, error) {
		t, err := h.svc.CreateTitle(ctx, req, rep)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("title %s created", t.Name), nil
	})
}

func (h *Handler) handleUpdateTitle(w http.ResponseWriter, r *http.Request) error {
	title := r.PathValue("title")
	var req api.UpdateTitleRequest
	if err := h.decodeJSONBody(r.Body, &req, jsonDecodeOptions{allowEmpty: true, disallowUnknowns: true}); err != nil {
		return err
	}
	return h.streamOperation(w, r, func(ctx context.Context, rep *progress.Reporter) (string, error) {
		if _, err := h.svc.UpdateTitle(ctx, title, req, rep); err != nil {
			return "", err
		}
		return fmt.Sprintf("title %s updated", title), nil
	})
}

func (h *Handler) handleDeleteTitle(w http.ResponseWriter, r *http.Request) error {
	title := r.PathValue("title")
	actor := r.URL.Query().Get("actor")
	return h.streamOperation(w, r, func(ctx context.Context, rep *progress.Reporter) (string, error) {
		if err := h.svc.DeleteTitle(ctx, title, actor, rep); err != nil {
			return "", err
		}
		return fmt.Sprintf("title %s deleted", title), nil
	})
}

func (h *Handler) handleAddVersion(w http.ResponseWriter, r *http.Request) error {
	title := r.PathValue("title")
	var req api.AddVersionRequest
	if err := h.decodeJSONBody(r.Body, &req, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		return err
	}
	return h.streamOperation(w, r, func(ctx context.Context, rep *progress.Reporter) (string, error) {
		v, err := h.svc.AddVersion(ctx, title, req, rep)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("version %s@%s created, reconciliation will complete shortly", title, v.Version), nil
	})
}

func (h *Handler) handleReleaseVersion(w http.ResponseWriter, r *http.Request) error {
	title := r.PathValue("title")
	ver := r.PathValue("version")
	var req api.ReleaseVersionRequest
	if err := h.decodeJSONBody(r.Body, &req, jsonDecodeOptions{allowEmpty: true, disallowUnknowns: true}); err != nil {
		return err
	}
	return h.streamOperation(w, r, func(ctx context.Context, rep *progress.Reporter) (string, error) {
		if _, err := h.svc.ReleaseVersion(ctx, title, ver, req, rep); err != nil {
			return "", err
		}
		return fmt.Sprintf("version %s@%s released", title, ver), nil
	})
}

func (h *Handler) handleDeleteVersion(w http.ResponseWriter, r *http.Request) error {
	title := r.PathValue("title")
	ver := r.PathValue("version")
	actor := r.URL.Query().Get("actor")
	return h.streamOperation(w, r, func(ctx context.Context, rep *progress.Reporter) (string, error) {
		if err := h.svc.DeleteVersion(ctx, title, ver, actor, rep); err != nil {
			return "", err
		}
		return fmt.Sprintf("version %s@%s deleted", title, ver), nil
	})
}

func (h *Handler) handleReuploadPackage(w http.ResponseWriter, r *http.Request) error {
	title := r.PathValue("title")
	ver := r.PathValue("version")
	var req api.ReuploadPackageRequest
	if err := h.decodeJSONBody(r.Body, &req, jsonDecodeOptions{allowEmpty: true, disallowUnknowns: true}); err != nil {
		return err
	}
	return h.streamOperation(w, r, func(ctx context.Context, rep *progress.Reporter) (string, error) {
		if _, err := h.svc.ReuploadPackage(ctx, title, ver, req, rep); err != nil {
			return "", err
		}
		return fmt.Sprintf("package for %s@%s replaced, propagation will complete shortly", title, ver), nil
	})
}
