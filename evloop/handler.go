package evloop

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// EchoHandler is an on-read handler that simulates work for a random delay
// in [minDelay, maxDelay], drains the connection and writes the bytes back.
// Each drained read counts as one message.
func EchoHandler(minDelay, maxDelay time.Duration, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(conn Conn) {
		start := time.Now()
		time.Sleep(randomDelay(minDelay, maxDelay))
		elapsed := time.Since(start)

		data, err := conn.Read()
		if err != nil {
			logger.Warn("read failed", zap.Int("fd", conn.Fd()), zap.Error(err))
			return
		}
		if len(data) == 0 {
			return
		}

		logger.Info("message",
			zap.Int("fd", conn.Fd()),
			zap.String("ip", conn.Ip()),
			zap.ByteString("content", data),
			zap.Duration("elapsed", elapsed))

		if err := conn.Write(data); err != nil {
			logger.Warn("echo failed", zap.Int("fd", conn.Fd()), zap.Error(err))
		}
	}
}

// LogAcceptHandler is an on-accept handler that only logs the new peer.
func LogAcceptHandler(logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(conn Conn) {
		logger.Info("accepted", zap.Int("fd", conn.Fd()), zap.String("ip", conn.Ip()))
	}
}

func randomDelay(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= minDelay {
		return minDelay
	}
	return minDelay + rand.N(maxDelay-minDelay+1)
}
