package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/mbd888/alancoin-escrow/internal/errs"
)

var transientMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"transaction underpriced",
	"already known",
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"too many requests",
	"429",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"eof",
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"header not found",
}

var fatalMarkers = []string{
	"execution reverted",
	"revert",
	"insufficient funds",
	"insufficient balance",
	"invalid state",
	"invalid opcode",
	"out of gas",
	"gas required exceeds allowance",
}

// ClassifyChainError sorts an RPC or submission error into chain_transient or
// chain_fatal. Errors that already carry a kind keep it. Unrecognised
// errors are fatal: a money-moving call is never retried on a guess.
func ClassifyChainError(err error) errs.Kind {
	if err == nil {
		return ""
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return errs.KindChainTransient
	}
	if errors.Is(err, context.Canceled) {
		return errs.KindChainFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.KindChainTransient
	}

	msg := strings.ToLower(err.Error())
	// Fatal markers win: "execution reverted" responses can mention a timeout
	// in the revert reason.
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return errs.KindChainFatal
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return errs.KindChainTransient
		}
	}
	return errs.KindChainFatal
}
