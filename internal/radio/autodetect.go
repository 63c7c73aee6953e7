package radio

import (
	"context"
	"log/slog"

	"meshcored/internal/transport"
)

// DetectSerialRadio probes every candidate serial port with an APP_START
// handshake and returns the first transport that answers with SELF_INFO.
// The returned transport is left connected.
func DetectSerialRadio(ctx context.Context, logger *slog.Logger, baudRate int) (*transport.SerialTransport, error) {
	candidates := transport.CandidatePorts()
	if len(candidates) == 0 {
		return nil, ErrNoRadioFound
	}

	for _, port := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tr := transport.NewSerialTransport(port, baudRate)
		if probeRadio(ctx, tr) {
			logger.Info("radio detected", "port", port)
			return tr, nil
		}
		logger.Debug("no radio on port", "port", port)
		_ = tr.Close()
	}
	return nil, ErrNoRadioFound
}

func probeRadio(ctx context.Context, tr transport.Transport) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := tr.Connect(probeCtx); err != nil {
		return false
	}
	if err := tr.WriteFrame(probeCtx, BuildAppStart(appName)); err != nil {
		return false
	}
	for {
		frame, err := tr.ReadFrame(probeCtx)
		if err != nil {
			return false
		}
		if len(frame) == 0 || IsPushCode(frame[0]) {
			continue
		}
		_, err = ParseSelfInfo(frame)
		return err == nil
	}
}
