package connectors

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// retryAfterKey — трейлер с подсказкой, через сколько секунд повторить вызов
const retryAfterKey = "retry-after"

// ThrottleError — агент перегружен и сам сообщает, когда повторить.
// Локальный агент может вернуть ее из ExecuteCore, удаленный получает ее через gRPC.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// toStatus переводит ошибку агента в gRPC-статус (серверная сторона)
func toStatus(err error) (metadata.MD, error) {
	var tErr *ThrottleError
	if errors.As(err, &tErr) {
		secs := int(tErr.RetryAfter.Round(time.Second) / time.Second)
		return metadata.Pairs(retryAfterKey, strconv.Itoa(max(secs, 1))),
			status.Error(codes.ResourceExhausted, err.Error())
	}
	return nil, status.Error(codes.Internal, err.Error())
}

// fromStatus восстанавливает ThrottleError из статуса и трейлера (клиентская сторона)
func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return err
	}
	after := time.Second
	if v := trailer.Get(retryAfterKey); len(v) > 0 {
		if secs, perr := strconv.Atoi(v[0]); perr == nil && secs > 0 {
			after = time.Duration(secs) * time.Second
		}
	}
	return &ThrottleError{RetryAfter: after, Cause: errors.New(st.Message())}
}
