package binding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/onem2m"
)

// HTTPSender is the outbound side of the HTTP binding: notification
// delivery, NOTIFY primitives, and request forwarding to peer CSEs.
type HTTPSender struct {
	cfg    *config.Config
	client *http.Client
	logger *zap.Logger
}

// NewHTTPSender creates the outbound HTTP client. The zero timeout on
// the client is deliberate: callers bound each call through the context.
func NewHTTPSender(cfg *config.Config, logger *zap.Logger) *HTTPSender {
	return &HTTPSender{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.Named("http-sender"),
	}
}

// Send delivers a notification payload to an absolute URI. Implements
// the notification engine's sender and the dispatcher's notifier.
func (s *HTTPSender) Send(ctx context.Context, target string, pc map[string]any) (*onem2m.Response, error) {
	return s.Do(ctx, target, &onem2m.Request{
		Op:   onem2m.OpNotify,
		From: s.cfg.CSE.CSEID,
		RQI:  uuid.NewString(),
		RVI:  s.cfg.CSE.ReleaseVersion,
		PC:   pc,
	})
}

// Notify implements the dispatcher's notifier with Send's semantics.
func (s *HTTPSender) Notify(ctx context.Context, target string, pc map[string]any) (*onem2m.Response, error) {
	return s.Send(ctx, target, pc)
}

// Do sends one primitive to a peer's point of access and parses the
// primitive response. Implements the registration manager's transport.
func (s *HTTPSender) Do(ctx context.Context, poa string, req *onem2m.Request) (*onem2m.Response, error) {
	ser := s.serialization()
	serializer := onem2m.SerializerFor(ser)

	var body io.Reader
	if req.PC != nil {
		data, err := serializer.Encode(req.PC)
		if err != nil {
			return nil, fmt.Errorf("encoding primitive content: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, methodFor(req.Op), buildURL(poa, req), body)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", poa, err)
	}

	contentType := ser.ContentType()
	if req.Op == onem2m.OpCreate && req.Ty > 0 {
		contentType += ";ty=" + strconv.Itoa(int(req.Ty))
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", ser.ContentType())
	httpReq.Header.Set("X-M2M-Origin", req.From)
	httpReq.Header.Set("X-M2M-RI", req.RQI)
	if req.RVI != "" {
		httpReq.Header.Set("X-M2M-RVI", req.RVI)
	}
	if req.GID != "" {
		httpReq.Header.Set("X-M2M-GID", req.GID)
	}
	if req.RQET != "" {
		httpReq.Header.Set("X-M2M-RET", req.RQET)
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", poa, err)
	}
	defer httpResp.Body.Close()

	return s.parseResponse(httpResp, req)
}

func (s *HTTPSender) parseResponse(httpResp *http.Response, req *onem2m.Request) (*onem2m.Response, error) {
	resp := &onem2m.Response{RQI: req.RQI}

	if v := httpResp.Header.Get("X-M2M-RSC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("peer sent invalid X-M2M-RSC %q", v)
		}
		resp.RSC = onem2m.RSC(n)
	} else {
		// Plain HTTP endpoints (notification receivers) answer without
		// primitive headers; map the status class.
		if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
			resp.RSC = onem2m.RSCOK
		} else {
			resp.RSC = onem2m.RSCTargetNotReachable
		}
	}
	if v := httpResp.Header.Get("X-M2M-RI"); v != "" {
		resp.RQI = v
	}
	resp.RVI = httpResp.Header.Get("X-M2M-RVI")
	resp.OT = httpResp.Header.Get("X-M2M-OT")

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading peer response: %w", err)
	}
	if len(data) > 0 {
		ser, _, ctErr := onem2m.SerializationFromContentType(httpResp.Header.Get("Content-Type"))
		if ctErr != nil {
			ser = s.serialization()
		}
		pc, decErr := onem2m.SerializerFor(ser).Decode(data)
		if decErr != nil {
			s.logger.Debug("undecodable peer response body", zap.Error(decErr))
		} else {
			resp.PC = pc
		}
	}
	return resp, nil
}

func (s *HTTPSender) serialization() onem2m.Serialization {
	if s.cfg.Registrar.Serialization != "" {
		return onem2m.Serialization(s.cfg.Registrar.Serialization)
	}
	return onem2m.Serialization(s.cfg.CSE.DefaultSerialization)
}

func methodFor(op onem2m.Operation) string {
	switch op {
	case onem2m.OpCreate, onem2m.OpNotify:
		return http.MethodPost
	case onem2m.OpUpdate:
		return http.MethodPut
	case onem2m.OpDelete:
		return http.MethodDelete
	default:
		return http.MethodGet
	}
}

// buildURL joins the point of access with the oneM2M path escape for the
// target's addressing form.
func buildURL(poa string, req *onem2m.Request) string {
	base := strings.TrimSuffix(poa, "/")
	to := req.To
	switch {
	case to == "":
		return base
	case strings.HasPrefix(to, "//"):
		return base + "/_/" + strings.TrimPrefix(to, "//")
	case strings.HasPrefix(to, "/"):
		return base + "/~" + to
	default:
		return base + "/" + to
	}
}
