package http

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	pacswatch "gitlab.com/medical-research/pacswatch"
)

// ImageSummary is one row of the image index.
type ImageSummary struct {
	ID        string                 `json:"id"`
	Processed bool                   `json:"processed"`
	Result    *pacswatch.LedgerEntry `json:"result,omitempty"`
}

// ImageIndexResponse is the body of "GET /images".
type ImageIndexResponse struct {
	Images []ImageSummary `json:"images"`
}

// ImageDetailsResponse is the body of "GET /images/{id}".
type ImageDetailsResponse struct {
	Instance *pacswatch.InstanceDetails `json:"instance"`
	Rendered []string                   `json:"rendered"`
	Result   *pacswatch.LedgerEntry     `json:"result,omitempty"`
}

// RenderedIndexResponse is the body of "GET /images/{id}/rendered".
type RenderedIndexResponse struct {
	InstanceID string   `json:"instanceId"`
	Rendered   []string `json:"rendered"`
}

// handleImageIndex handles the "GET /images" route. It lists archive instances
// with their local processing state.
func (s *Server) handleImageIndex(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ArchiveService.ListInstances(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}

	resp := ImageIndexResponse{Images: make([]ImageSummary, 0, len(ids))}
	for _, id := range ids {
		summary := ImageSummary{ID: id, Processed: s.ImageStore.HasArtifacts(id)}
		if s.LedgerService != nil {
			if summary.Result, err = s.LedgerService.Result(r.Context(), id); err != nil {
				Error(w, r, err)
				return
			}
		}
		resp.Images = append(resp.Images, summary)
	}
	WriteJSONResponse(w, resp, http.StatusOK)
}

// handleImageView handles the "GET /images/{id}" route.
func (s *Server) handleImageView(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := pacswatch.ValidateInstanceID(id); err != nil {
		Error(w, r, err)
		return
	}

	details, err := s.ArchiveService.GetInstance(r.Context(), id)
	if err != nil {
		Error(w, r, err)
		return
	}

	resp := ImageDetailsResponse{Instance: details, Rendered: []string{}}
	if names, err := s.ImageStore.ListRendered(id); err == nil {
		resp.Rendered = names
	} else if pacswatch.ErrorCode(err) != pacswatch.ENOTFOUND {
		Error(w, r, err)
		return
	}
	if s.LedgerService != nil {
		if resp.Result, err = s.LedgerService.Result(r.Context(), id); err != nil {
			Error(w, r, err)
			return
		}
	}
	WriteJSONResponse(w, resp, http.StatusOK)
}

// handleImageProcess handles the "GET|POST /images/{id}/process" route. It runs
// the pipeline synchronously and reports the result.
func (s *Server) handleImageProcess(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	opts, err := s.parseProcessOptions(r)
	if err != nil {
		Error(w, r, err)
		return
	}

	result := s.Processor.Process(r.Context(), id, opts)
	WriteJSONResponse(w, result, ResultStatusCode(result))
}

// parseProcessOptions overlays query parameters on the server defaults.
// An explicitly empty watermark disables the burn-in.
func (s *Server) parseProcessOptions(r *http.Request) (pacswatch.ProcessOptions, error) {
	opts := s.ProcessOptions
	q := r.URL.Query()

	if _, ok := q["watermark"]; ok {
		opts.Watermark = q.Get("watermark")
	}
	for name, dst := range map[string]*bool{
		"force":            &opts.Force,
		"require_metadata": &opts.RequireMetadata,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, pacswatch.Errorf(pacswatch.EINVALID, "invalid %s value %q", name, v)
		}
		*dst = b
	}
	return opts, nil
}

// handleRenderedIndex handles the "GET /images/{id}/rendered" route.
func (s *Server) handleRenderedIndex(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	names, err := s.ImageStore.ListRendered(id)
	if err != nil {
		Error(w, r, err)
		return
	}
	WriteJSONResponse(w, RenderedIndexResponse{InstanceID: id, Rendered: names}, http.StatusOK)
}

// handleRenderedView handles the "GET /images/{id}/rendered/{name}" route.
func (s *Server) handleRenderedView(w http.ResponseWriter, r *http.Request) {
	id, name := mux.Vars(r)["id"], mux.Vars(r)["name"]
	path, err := s.ImageStore.RenderedPath(id, name)
	if err != nil {
		Error(w, r, err)
		return
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		Error(w, r, pacswatch.Errorf(pacswatch.ENOTFOUND, "image %s of %s not found", name, id))
		return
	} else if err != nil {
		Error(w, r, err)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		Error(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

// handleSignedURL handles the "GET /images/{id}/signed-url" route. It signs a
// read-only URL for a rendered image published to the bucket.
func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	object, err := s.signRenderedURL(mux.Vars(r)["id"], r.URL.Query().Get("name"))
	if err != nil {
		Error(w, r, err)
		return
	}
	WriteJSONResponse(w, object, http.StatusOK)
}

// signRenderedURL returns the bucket object of a rendered image along with a
// signed download URL. The name defaults to the first rendered frame.
func (s *Server) signRenderedURL(id, name string) (*pacswatch.CloudStorageObject, error) {
	if s.CloudStorageService == nil || s.Bucket == nil {
		return nil, pacswatch.Errorf(pacswatch.ENOTIMPLEMENTED, "publishing to cloud storage is not configured")
	}
	if name == "" {
		name = "rendered.png"
	}
	if _, err := s.ImageStore.RenderedPath(id, name); err != nil {
		return nil, err
	}

	object := &pacswatch.CloudStorageObject{Name: pacswatch.RenderedObjectName(id, name)}

	// hardcoded the allowed method operation for security purposes
	signedURL, err := s.CloudStorageService.GeneratePresignedBucketURL(s.Bucket, object, s.ServiceAccount, http.MethodGet)
	if err != nil {
		return nil, pacswatch.WrapError(pacswatch.EINTERNAL, err, "signed URL could not be generated")
	}
	object.SignedURL = *signedURL
	return object, nil
}

// handleImageDelete handles the "DELETE /images/{id}" route. It removes the
// instance from the archive; local artifacts are left in place.
func (s *Server) handleImageDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := pacswatch.ValidateInstanceID(id); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.ArchiveService.DeleteInstance(r.Context(), id); err != nil {
		Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
