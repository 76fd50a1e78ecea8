// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

package drinkup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/drinkup-app/drinkup-image/cache"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// Server dispatches image requests: it parses them into (source,
// options) pairs, runs them through the variant cache and
// transformation pipeline, and writes the encoded result.
//
// Note that a Server should not be run behind a http.ServeMux, since
// the ServeMux aggressively cleans URLs and removes the double slash in
// embedded remote URLs.
type Server struct {
	Fetcher     *Fetcher
	Cache       *cache.VariantCache
	Transformer *Transformer
	Health      *Monitor

	// AllowHosts is a list of remote hosts images may be fetched from.
	// An empty list allows all hosts.  Entries may use a leading
	// wildcard: "*.example.com".
	AllowHosts []string

	// MaxInlineSize bounds base64 image payloads on the process
	// endpoints.  Zero means DefaultMaxSourceSize.
	MaxInlineSize int64

	Logger zerolog.Logger
}

// NewServer constructs a Server around the given fetcher and variant
// cache with a default transformer and health monitor.
func NewServer(fetcher *Fetcher, variants *cache.VariantCache) *Server {
	return &Server{
		Fetcher:     fetcher,
		Cache:       variants,
		Transformer: &Transformer{},
		Health:      &Monitor{Budget: variants},
		Logger:      zerolog.Nop(),
	}
}

// ServeHTTP handles image requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		httpRequestsResponseTime.Observe(time.Since(start).Seconds())
	}()

	writeCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch r.URL.Path {
	case "/", "/health":
		s.serveHealth(w, r)
		return
	case "/favicon.ico":
		return // ignore favicon requests
	case "/process":
		s.serveProcess(w, r)
		return
	case "/process-form":
		s.serveProcessForm(w, r)
		return
	}

	s.serveImage(w, r)
}

// serveImage handles the path-style transform endpoint:
// GET /{options}/{source}.
func (s *Server) serveImage(w http.ResponseWriter, r *http.Request) {
	ref, opt, err := parseImageRequest(r)
	if err != nil {
		s.Logger.Warn().Err(err).Str("path", r.URL.Path).Msg("invalid request URL")
		http.Error(w, "invalid request URL: "+err.Error(), http.StatusBadRequest)
		return
	}

	if !s.allowed(ref) {
		s.Logger.Warn().Str("source", ref.Identity()).Msg("source host not allowed")
		http.Error(w, "source host not allowed", http.StatusForbidden)
		return
	}

	key := Key(ref, opt)
	v, res, err := s.Cache.GetOrCompute(key, s.compute(key, ref, opt, nil))
	s.observe(res)
	if err != nil {
		status := HTTPStatus(err)
		s.Logger.Error().Err(err).
			Str("source", ref.Identity()).
			Str("options", opt.String()).
			Int("status", status).
			Msg("request failed")
		http.Error(w, err.Error(), status)
		return
	}
	defer s.Cache.Release(v)

	s.Logger.Debug().
		Str("source", ref.Identity()).
		Str("options", opt.String()).
		Bool("cached", res == cache.ResultHit).
		Msg("serving variant")

	w.Header().Set("Content-Type", v.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(v.Data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(v.Data)
}

// parseImageRequest splits the request path into its options and source
// segments.
func parseImageRequest(r *http.Request) (SourceRef, Options, error) {
	parts := strings.SplitN(r.URL.Path[1:], "/", 2)
	if len(parts) != 2 {
		return SourceRef{}, Options{}, URLError{"too few path segments", r.URL}
	}

	ref, err := ParseSourceRef(parts[1])
	if err != nil {
		return SourceRef{}, Options{}, URLError{err.Error(), r.URL}
	}
	if ref.Kind == SourceRemote {
		// query string is always part of the remote URL
		ref.URL.RawQuery = r.URL.RawQuery
	}

	return ref, ParseOptions(parts[0]), nil
}

// compute wraps fetch and transform into the variant computation for
// key.  inline, when non-nil, supplies the source bytes directly.
func (s *Server) compute(key string, ref SourceRef, opt Options, inline []byte) func() (*cache.Variant, error) {
	return func() (*cache.Variant, error) {
		b := inline
		if b == nil {
			// detached from the request context: if the requesting
			// connection drops, co-waiters and future requests still
			// benefit from the completed computation
			start := time.Now()
			fetched, err := s.Fetcher.Fetch(context.Background(), ref)
			sourceFetchSummary.Observe(time.Since(start).Seconds())
			s.Health.RecordFetch(err == nil)
			if err != nil {
				sourceFetchErrors.Inc()
				return nil, err
			}
			b = fetched
		}

		start := time.Now()
		out, contentType, err := s.Transformer.Transform(b, opt)
		transformSummary.Observe(time.Since(start).Seconds())
		s.Health.RecordTransform(!isPipelineFailure(err))
		if err != nil {
			if isPipelineFailure(err) {
				transformErrors.Inc()
			}
			return nil, err
		}
		return &cache.Variant{Key: key, Data: out, ContentType: contentType}, nil
	}
}

// isPipelineFailure reports whether err counts against pipeline health.
// Caller mistakes like invalid geometry do not.
func isPipelineFailure(err error) bool {
	return err != nil && (IsKind(err, KindDecode) || IsKind(err, KindEncode) ||
		IsKind(err, KindTransformTimeout))
}

func (s *Server) observe(res cache.Result) {
	switch res {
	case cache.ResultHit, cache.ResultSpill:
		variantCacheHits.Inc()
	case cache.ResultMiss:
		variantCacheMisses.Inc()
	case cache.ResultShared:
		variantFlightsShared.Inc()
	}
}

// allowed returns whether the ref may be fetched: local and inline refs
// always, remote refs when their host is on the allow list.
func (s *Server) allowed(ref SourceRef) bool {
	if ref.Kind != SourceRemote || len(s.AllowHosts) == 0 {
		return true
	}
	for _, host := range s.AllowHosts {
		if ref.URL.Host == host {
			return true
		}
		if strings.HasPrefix(host, "*.") && strings.HasSuffix(ref.URL.Host, host[1:]) {
			return true
		}
	}
	return false
}

// commonResp is the JSON envelope used by the health and process
// endpoints.
type commonResp struct {
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
	Code    int         `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, resp commonResp) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, commonResp{Message: message, Code: -1})
}

func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

// serveHealth backs the liveness probe.
func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.Health.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, commonResp{
			Data:    map[string]string{"status": "degraded"},
			Message: "service degraded",
			Code:    -1,
		})
		return
	}
	writeJSON(w, http.StatusOK, commonResp{
		Data: map[string]string{
			"status":  "ok",
			"service": "drinkup-image",
			"version": ServiceVersion,
		},
		Message: "success",
		Code:    0,
	})
}

// processRequest is the body of POST /process.  Exactly one of
// imageUrl and imageData must be set.
type processRequest struct {
	ImageURL     string `json:"imageUrl"`
	ImageData    string `json:"imageData"`
	OutputFormat string `json:"outputFormat"`
	Options      string `json:"options"`
}

// processData is the success payload of the process endpoints.
type processData struct {
	ProcessedImage string `json:"processedImage"`
	Format         string `json:"format"`
}

// serveProcess handles POST /process: a JSON request naming a source by
// URL or carrying it inline as base64, returning the transformed image
// base64-encoded.
func (s *Server) serveProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req processRequest
	body := io.LimitReader(r.Body, s.maxInlineSize()*2) // base64 expansion headroom
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	var ref SourceRef
	var inline []byte
	switch {
	case req.ImageURL != "" && req.ImageData != "":
		writeError(w, http.StatusBadRequest, "provide only one of imageUrl or imageData")
		return
	case req.ImageURL != "":
		var err error
		ref, err = ParseSourceRef(req.ImageURL)
		if err != nil || ref.Kind != SourceRemote {
			writeError(w, http.StatusBadRequest, "imageUrl must be an absolute http or https URL")
			return
		}
		if !s.allowed(ref) {
			writeError(w, http.StatusForbidden, "source host not allowed")
			return
		}
	case req.ImageData != "":
		b, err := base64.StdEncoding.DecodeString(req.ImageData)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid base64 image data: "+err.Error())
			return
		}
		if int64(len(b)) > s.maxInlineSize() {
			writeError(w, http.StatusBadRequest, "image data exceeds size limit")
			return
		}
		inline = b
		ref = InlineSourceRef(b)
	default:
		writeError(w, http.StatusBadRequest, "provide imageUrl or imageData")
		return
	}

	opt := ParseOptions(req.Options)
	if req.OutputFormat != "" {
		opt.Format = strings.ToLower(req.OutputFormat)
	}

	s.process(w, ref, opt, inline)
}

// serveProcessForm handles POST /process-form: a multipart form with an
// image file field and optional format and options fields.
func (s *Server) serveProcessForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := r.ParseMultipartForm(s.maxInlineSize()); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file not found in form")
		return
	}
	defer file.Close()

	inline, err := io.ReadAll(io.LimitReader(file, s.maxInlineSize()+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading image field: "+err.Error())
		return
	}
	if int64(len(inline)) > s.maxInlineSize() {
		writeError(w, http.StatusBadRequest, "image data exceeds size limit")
		return
	}

	opt := ParseOptions(r.FormValue("options"))
	if format := r.FormValue("format"); format != "" {
		opt.Format = strings.ToLower(format)
	}

	s.process(w, InlineSourceRef(inline), opt, inline)
}

// process runs a process-endpoint request through the variant cache and
// writes the base64 envelope response.
func (s *Server) process(w http.ResponseWriter, ref SourceRef, opt Options, inline []byte) {
	// the process endpoints always name their output format; png is the
	// default target
	if opt.Format == "" {
		opt.Format = "png"
	}

	key := Key(ref, opt)
	v, res, err := s.Cache.GetOrCompute(key, s.compute(key, ref, opt, inline))
	s.observe(res)
	if err != nil {
		s.Logger.Error().Err(err).Str("source", ref.Identity()).Msg("process request failed")
		writeError(w, HTTPStatus(err), err.Error())
		return
	}
	defer s.Cache.Release(v)

	writeJSON(w, http.StatusOK, commonResp{
		Data: processData{
			ProcessedImage: base64.StdEncoding.EncodeToString(v.Data),
			Format:         strings.TrimPrefix(v.ContentType, "image/"),
		},
		Message: "success",
		Code:    0,
	})
}

func (s *Server) maxInlineSize() int64 {
	if s.MaxInlineSize > 0 {
		return s.MaxInlineSize
	}
	return DefaultMaxSourceSize
}
