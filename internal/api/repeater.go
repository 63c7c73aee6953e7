package api

import (
	"context"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"meshcored/internal/radio"
)

// repeaterResponseTimeout bounds how long a repeater operation waits for
// the push reply before reporting a structured timeout.
const repeaterResponseTimeout = 15 * time.Second

// withRadioQuiet takes the operation lock non-blocking, with polling
// paused and auto-fetch suspended so the push reply is not consumed by
// the fetch machinery.
func (s *Server) withRadioQuiet(ctx context.Context) (context.Context, func(), error) {
	release, err := s.link.AcquireOperation(ctx,
		radio.WithNonBlocking(),
		radio.WithPausedPolling(),
		radio.WithSuspendedAutoFetch(),
	)
	if err != nil {
		return nil, nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, repeaterResponseTimeout)
	return opCtx, func() {
		cancel()
		release()
	}, nil
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	contact, ok := s.resolveContact(w, r)
	if !ok {
		return
	}
	pubKey, err := hex.DecodeString(contact.PublicKey)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	ctx, done, err := s.withRadioQuiet(r.Context())
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	defer done()

	if err := s.link.SendTelemetryRequest(ctx, pubKey); err != nil {
		s.writeOpError(w, err)
		return
	}
	frame, err := s.link.WaitForPush(ctx, radio.PushTelemetry)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"public_key": contact.PublicKey,
		"telemetry":  hex.EncodeToString(frame[1:]),
	})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	contact, ok := s.resolveContact(w, r)
	if !ok {
		return
	}
	var req struct {
		Path  string `json:"path"`
		Flags byte   `json:"flags"`
		Auth  uint32 `json:"auth"`
	}
	if err := jsonDecodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	pathHex := req.Path
	if pathHex == "" && contact.LastPath != nil {
		pathHex = *contact.LastPath
	}
	path, err := hex.DecodeString(pathHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "path must be hex")
		return
	}

	ctx, done, err := s.withRadioQuiet(r.Context())
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	defer done()

	tag := uint32(time.Now().UnixNano())
	if err := s.link.SendTrace(ctx, tag, req.Auth, req.Flags, path); err != nil {
		s.writeOpError(w, err)
		return
	}
	frame, err := s.link.WaitForPush(ctx, radio.PushTraceData)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tag":   tag,
		"trace": hex.EncodeToString(frame[1:]),
	})
}

func (s *Server) handleCLI(w http.ResponseWriter, r *http.Request) {
	contact, ok := s.resolveContact(w, r)
	if !ok {
		return
	}
	var req struct {
		Command string `json:"command"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command must not be empty")
		return
	}
	pubKey, err := hex.DecodeString(contact.PublicKey)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	ctx, done, err := s.withRadioQuiet(r.Context())
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	defer done()

	if _, err := s.link.SendCLICommand(ctx, pubKey, req.Command); err != nil {
		s.writeOpError(w, err)
		return
	}
	frame, err := s.link.WaitForPush(ctx, radio.PushCliResponse)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"response": string(frame[1:]),
	})
}
