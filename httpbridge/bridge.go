// Package httpbridge implements the HTTP→messaging bridge of spec.md
// §4.C9: it maps an incoming HTTP request into a broker envelope, drives
// it through a conversation.Engine, and translates the reply (or a
// ServerError) back into an HTTP response.
package httpbridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/ground-x/blmsg/conversation"
	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
	"github.com/ground-x/blmsg/log"
	"github.com/ground-x/blmsg/protocol"
)

var logger = log.NewModuleLogger(log.HTTPBridge)

// MaxRequestContentLength mirrors the teacher's networks/rpc content-size
// guard (networks/rpc/http_test.go's MaxRequestContentLength check),
// generalized from the JSON-RPC bridge to this broker bridge.
const MaxRequestContentLength = 1024 * 1024

// TokenExtractor resolves the application-level authentication token carried
// by an HTTP request, per spec.md §4.C9's three-step lookup.
type TokenExtractor struct {
	CookieNames  []string
	DefaultType  string
	DefaultToken string
}

// Extract returns the resolved token and whether one was found.
func (te TokenExtractor) Extract(r *http.Request) (string, bool) {
	for _, name := range te.CookieNames {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value, true
		}
	}
	if te.DefaultToken != "" {
		return te.DefaultToken, true
	}
	return "", false
}

// ErrorFormat selects between the plain-JSON and GraphQL-style error
// envelopes spec.md §6 names.
type ErrorFormat int

const (
	PlainJSON ErrorFormat = iota
	GraphQL
)

// Bridge wires an HTTP mux to a conversation.Engine, synthesizing broker
// envelopes from requests and translating replies back to HTTP responses.
type Bridge struct {
	engine         *conversation.Engine
	targetPeerID   ids.ID
	tokens         TokenExtractor
	errorFormat    ErrorFormat
	requestTimeout time.Duration

	router *httprouter.Router
	cors   *cors.Cors
}

// New builds a Bridge dispatching every request as targetPeerID's traffic.
func New(engine *conversation.Engine, targetPeerID ids.ID, tokens TokenExtractor, errorFormat ErrorFormat, requestTimeout time.Duration) *Bridge {
	b := &Bridge{
		engine:         engine,
		targetPeerID:   targetPeerID,
		tokens:         tokens,
		errorFormat:    errorFormat,
		requestTimeout: requestTimeout,
		router:         httprouter.New(),
		cors:           cors.Default(),
	}
	b.router.NotFound = http.HandlerFunc(b.handle)
	return b
}

// Handler returns the http.Handler to mount, with CORS applied. Every
// method and path is accepted and dispatched the same way — the broker
// envelope carries the original method/URI/headers/cookies as
// passThroughUserData for the target peer to interpret — so routing goes
// through httprouter's catch-all NotFound handler rather than per-route
// registration.
func (b *Bridge) Handler() http.Handler {
	return b.cors.Handler(b.router)
}

func (b *Bridge) handle(w http.ResponseWriter, r *http.Request) {
	token, ok := b.tokens.Extract(r)
	if !ok {
		b.writeError(w, errs.New(errs.CodeAuthorizationFailed, "httpbridge: no authentication token"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestContentLength+1))
	if err != nil {
		b.writeError(w, errs.Wrap(err, errs.CodeProtocolValidationFailed, "httpbridge: failed to read request body"))
		return
	}
	if len(body) > MaxRequestContentLength {
		b.writeError(w, errs.New(errs.CodeProtocolValidationFailed, "httpbridge: request body exceeds %d bytes", MaxRequestContentLength))
		return
	}

	passThrough, err := json.Marshal(passThroughUserData{
		Method:  r.Method,
		URI:     r.URL.RequestURI(),
		Headers: r.Header,
		Cookies: cookieMap(r),
	})
	if err != nil {
		b.writeError(w, errs.Wrap(err, errs.CodeInternal, "httpbridge: failed to encode pass-through data"))
		return
	}

	target := b.targetPeerID
	env := &protocol.Envelope{
		MessageType:    protocol.AsyncRpcDispatch,
		MessageID:      ids.New(),
		ConversationID: ids.New(),
		TargetPeerID:   &target,
		PrincipalIdentityInfo: &protocol.PrincipalIdentityInfo{
			AuthenticationToken: token,
		},
		PassThroughUserData: passThrough,
		Payload: &protocol.Payload{
			AsyncRpcRequest: requestBody(r, body),
		},
	}

	ctx, cancel := context.WithTimeout(r.Context(), b.requestTimeout)
	defer cancel()

	resultCh := b.engine.Send(env, body)
	select {
	case res := <-resultCh:
		b.writeResult(w, res)
	case <-ctx.Done():
		b.engine.Cancel(env.ConversationID, "http request context done")
		b.writeError(w, errs.Wrap(ctx.Err(), errs.CodeTargetPeerNotFound, "httpbridge: request timed out"))
	}
}

func requestBody(r *http.Request, body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	ct := r.Header.Get("Content-Type")
	if ct == "application/json" || ct == "application/json; charset=utf-8" {
		return json.RawMessage(body)
	}
	encoded, _ := json.Marshal(string(body))
	return json.RawMessage(encoded)
}

func cookieMap(r *http.Request) map[string]string {
	m := map[string]string{}
	for _, c := range r.Cookies() {
		m[c.Name] = c.Value
	}
	return m
}

type passThroughUserData struct {
	Method  string              `json:"method"`
	URI     string              `json:"uri"`
	Headers map[string][]string `json:"headers"`
	Cookies map[string]string   `json:"cookies"`
}

func (b *Bridge) writeResult(w http.ResponseWriter, res conversation.Result) {
	if res.Reply != nil && res.Reply.Payload != nil && res.Reply.Payload.AsyncRpcResponse != nil {
		if sej := res.Reply.Payload.AsyncRpcResponse.ServerErrorJson; sej != nil {
			b.writeError(w, errs.New(sej.ErrorCode, "%s", sej.ErrorCodeMessage))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if body := res.Reply.Payload.AsyncRpcResponse.Body; len(body) > 0 {
			_, _ = w.Write(body)
		}
		return
	}
	if res.Err != nil {
		b.writeError(w, res.Err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Payload)
}

func (b *Bridge) writeError(w http.ResponseWriter, err error) {
	code := errs.CodeInternal
	message := err.Error()
	if se, ok := errs.AsServerError(err); ok {
		code = se.ErrorCode
		message = se.ErrorCodeMessage
	}
	status := errs.HTTPStatus(code)
	logger.Warn("bridge request failed", "code", code, "status", status, "err", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if b.errorFormat == GraphQL {
		_ = json.NewEncoder(w).Encode(graphQLEnvelope{
			Errors: []graphQLError{{Message: message, ErrorType: code}},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(simpleErrorEnvelope{
		Result: simpleErrorBody{
			Message:          message,
			ExceptionType:    code,
			ExceptionMessage: message,
		},
	})
}

type simpleErrorEnvelope struct {
	Result simpleErrorBody `json:"result"`
}

type simpleErrorBody struct {
	Message          string `json:"message"`
	ExceptionType    string `json:"exceptionType"`
	ExceptionMessage string `json:"exceptionMessage"`
}

type graphQLEnvelope struct {
	Errors []graphQLError `json:"errors"`
}

type graphQLError struct {
	Message   string `json:"message"`
	ErrorType string `json:"errorType"`
}
