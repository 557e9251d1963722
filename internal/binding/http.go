// Package binding adapts wire protocols to the canonical request
// primitives. The HTTP binding follows the oneM2M HTTP protocol binding:
// primitive parameters travel as X-M2M-* headers and query parameters,
// resource content as the entity body.
package binding

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/observability"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/storage"
)

// Processor handles one canonical request primitive; the dispatcher
// satisfies it.
type Processor interface {
	Process(ctx context.Context, req *onem2m.Request) *onem2m.Response
}

// Server is the HTTP binding front end.
type Server struct {
	cfg     *config.Config
	proc    Processor
	store   storage.Store
	logger  *zap.Logger
	srv     *http.Server
	checker *observability.HealthChecker
	// inflight bounds concurrently processed primitives; nil when the
	// limit is disabled.
	inflight chan struct{}
}

// NewServer builds the gin engine with the oneM2M routes plus health and
// metrics endpoints.
func NewServer(cfg *config.Config, proc Processor, store storage.Store, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.GinMode)

	s := &Server{
		cfg:    cfg,
		proc:   proc,
		store:  store,
		logger: logger.Named("http"),
	}
	if n := cfg.Server.MaxConcurrentRequests; n > 0 {
		s.inflight = make(chan struct{}, n)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/readyz", s.handleReady)
	engine.GET("/statsz", s.handleStats)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Everything else is a oneM2M primitive.
	engine.NoRoute(s.handlePrimitive)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http binding listening", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// SetHealthChecker installs component probes behind /healthz.
func (s *Server) SetHealthChecker(hc *observability.HealthChecker) { s.checker = hc }

func (s *Server) handleHealth(c *gin.Context) {
	if s.checker == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	report := s.checker.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status != observability.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleReady(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// handlePrimitive converts the HTTP request into a primitive, runs it,
// and serializes the response.
func (s *Server) handlePrimitive(c *gin.Context) {
	if s.inflight != nil {
		select {
		case s.inflight <- struct{}{}:
			defer func() { <-s.inflight }()
		default:
			s.writeResponse(c, errorResponse(c.GetHeader("X-M2M-RI"),
				onem2m.RSCInternalServerError, "request capacity exhausted"),
				onem2m.Serialization(s.cfg.CSE.DefaultSerialization))
			return
		}
	}

	req, errResp := s.buildRequest(c)
	if errResp != nil {
		s.writeResponse(c, errResp, onem2m.Serialization(s.cfg.CSE.DefaultSerialization))
		return
	}
	resp := s.proc.Process(c.Request.Context(), req)
	s.writeResponse(c, resp, req.ContentType)
}

func (s *Server) buildRequest(c *gin.Context) (*onem2m.Request, *onem2m.Response) {
	h := c.Request.Header
	rqi := h.Get("X-M2M-RI")
	if rqi == "" {
		return nil, errorResponse("", onem2m.RSCBadRequest, "X-M2M-RI header is mandatory")
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, errorResponse(rqi, onem2m.RSCBadRequest, "unreadable request body")
	}

	ser, ty, err := onem2m.SerializationFromContentType(h.Get("Content-Type"))
	if err != nil {
		return nil, errorResponse(rqi, onem2m.RSCUnsupportedMediaType, err.Error())
	}

	op, opResp := s.operation(c, ty, body)
	if opResp != nil {
		opResp.RQI = rqi
		return nil, opResp
	}

	if h.Get("X-M2M-RVI") == "" {
		return nil, errorResponse(rqi, onem2m.RSCBadRequest, "X-M2M-RVI header is mandatory")
	}
	// AE registration may come without an originator, asking the CSE to
	// assign the AE-ID; every other primitive must carry one.
	if h.Get("X-M2M-Origin") == "" && !(op == onem2m.OpCreate && ty == onem2m.TypeAE) {
		return nil, errorResponse(rqi, onem2m.RSCBadRequest, "X-M2M-Origin header is mandatory")
	}

	q := c.Request.URL.Query()
	req := &onem2m.Request{
		Op:          op,
		To:          targetFromPath(c.Request.URL.Path),
		From:        h.Get("X-M2M-Origin"),
		RQI:         rqi,
		RVI:         h.Get("X-M2M-RVI"),
		Ty:          ty,
		RawPC:       body,
		ContentType: ser,
		RQET:        h.Get("X-M2M-RET"),
		RSET:        h.Get("X-M2M-RST"),
		OT:          h.Get("X-M2M-OT"),
		EC:          h.Get("X-M2M-EC"),
		VSI:         h.Get("X-M2M-VSI"),
		GID:         h.Get("X-M2M-GID"),
		Origin:      onem2m.OriginHTTP,
		Received:    time.Now().UTC(),
	}
	if rtu := h.Get("X-M2M-RTU"); rtu != "" {
		req.RTU = strings.Split(rtu, "&")
	}

	req.RCN = onem2m.ResultContent(intParam(q.Get("rcn"), 0))
	req.RT = onem2m.ResponseType(intParam(q.Get("rt"), 0))
	req.DRT = intParam(q.Get("drt"), 0)
	if atrl := q.Get("atrl"); atrl != "" {
		req.Atrl = strings.Split(atrl, ",")
	}
	req.FC = filterCriteria(q)
	if req.Op == onem2m.OpRetrieve && req.FC.IsDiscovery() {
		req.Op = onem2m.OpDiscovery
	}
	return req, nil
}

// operation maps the HTTP method to the primitive operation. POST carries
// a ty parameter for CREATE; without one it is a NOTIFY.
func (s *Server) operation(c *gin.Context, ty onem2m.ResourceType, body []byte) (onem2m.Operation, *onem2m.Response) {
	switch c.Request.Method {
	case http.MethodGet:
		return onem2m.OpRetrieve, nil
	case http.MethodPost:
		if ty > 0 {
			return onem2m.OpCreate, nil
		}
		if len(body) > 0 {
			return onem2m.OpNotify, nil
		}
		return 0, errorResponse("", onem2m.RSCBadRequest, "POST requires a ty parameter or a notification body")
	case http.MethodPut:
		return onem2m.OpUpdate, nil
	case http.MethodDelete:
		return onem2m.OpDelete, nil
	case http.MethodPatch:
		if s.cfg.Server.AllowPatchForDelete {
			return onem2m.OpDelete, nil
		}
		return 0, errorResponse("", onem2m.RSCOperationNotAllowed, "PATCH is not enabled")
	default:
		return 0, errorResponse("", onem2m.RSCOperationNotAllowed,
			"method "+c.Request.Method+" has no primitive mapping")
	}
}

// targetFromPath undoes the oneM2M HTTP path escapes: /~/ for
// SP-relative and /_/ for absolute targets.
func targetFromPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/~/"):
		return "/" + strings.TrimPrefix(path, "/~/")
	case strings.HasPrefix(path, "/_/"):
		return "//" + strings.TrimPrefix(path, "/_/")
	default:
		return strings.TrimPrefix(path, "/")
	}
}

// filterCriteria assembles fc from the query string; nil when no filter
// parameter is present.
func filterCriteria(q map[string][]string) *onem2m.FilterCriteria {
	fc := &onem2m.FilterCriteria{}
	present := false

	get := func(key string) string {
		if vs := q[key]; len(vs) > 0 {
			present = true
			return vs[0]
		}
		return ""
	}

	if v := get("fu"); v != "" {
		fc.FU = onem2m.FilterUsage(intParam(v, 0))
	}
	if v := get("fo"); v != "" {
		fc.FO = onem2m.FilterOperation(intParam(v, 0))
	}
	for _, v := range q["ty"] {
		present = true
		fc.Ty = append(fc.Ty, onem2m.ResourceType(intParam(v, 0)))
	}
	for _, v := range q["lbl"] {
		present = true
		fc.Lbl = append(fc.Lbl, v)
	}
	fc.CRA = get("cra")
	fc.CRB = get("crb")
	fc.MS = get("ms")
	fc.US = get("us")
	fc.SZA = intParam(get("sza"), 0)
	fc.SZB = intParam(get("szb"), 0)
	fc.Lim = intParam(get("lim"), 0)
	fc.Ofst = intParam(get("ofst"), 0)
	fc.Lvl = intParam(get("lvl"), 0)
	fc.Arp = get("arp")

	if !present {
		return nil
	}
	return fc
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func errorResponse(rqi string, rsc onem2m.RSC, msg string) *onem2m.Response {
	return &onem2m.Response{
		RSC: rsc,
		RQI: rqi,
		OT:  onem2m.TimestampNow(),
		PC:  map[string]any{"m2m:dbg": msg},
	}
}

// writeResponse maps the primitive response onto HTTP.
func (s *Server) writeResponse(c *gin.Context, resp *onem2m.Response, ser onem2m.Serialization) {
	c.Header("X-M2M-RSC", strconv.Itoa(int(resp.RSC)))
	if resp.RQI != "" {
		c.Header("X-M2M-RI", resp.RQI)
	}
	if resp.RVI != "" {
		c.Header("X-M2M-RVI", resp.RVI)
	}
	if resp.OT != "" {
		c.Header("X-M2M-OT", resp.OT)
	}

	if resp.PC == nil {
		c.Status(resp.RSC.HTTPStatus())
		return
	}
	data, err := onem2m.SerializerFor(ser).Encode(resp.PC)
	if err != nil {
		s.logger.Error("response encoding failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(resp.RSC.HTTPStatus(), ser.ContentType(), data)
}
