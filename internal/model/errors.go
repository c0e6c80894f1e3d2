package model

// Error is a protocol or engine error kind. Values are comparable with == and errors.Is.
type Error uint8

const (
	ErrNullArgument Error = iota + 1
	ErrConnectNotCalled
	ErrSendBufferFull
	ErrBufferTooSmall
	ErrMalformedRequest
	ErrMalformedResponse
	ErrInvalidRemainingLength
	ErrControlForbiddenType
	ErrControlInvalidFlags
	ErrResponseInvalidControlType
	ErrConnackForbiddenFlags
	ErrConnackForbiddenCode
	ErrAckOfUnknown
	ErrConnectionRefused
	ErrConnectClientIDRefused
	ErrSubscribeFailed
	ErrTransportSend
)

var errorText = map[Error]string{
	ErrNullArgument:               "nil argument",
	ErrConnectNotCalled:           "connect not called",
	ErrSendBufferFull:             "send buffer is full",
	ErrBufferTooSmall:             "buffer too small",
	ErrMalformedRequest:           "malformed request",
	ErrMalformedResponse:          "malformed response",
	ErrInvalidRemainingLength:     "invalid remaining length",
	ErrControlForbiddenType:       "forbidden control type",
	ErrControlInvalidFlags:        "invalid control flags",
	ErrResponseInvalidControlType: "invalid response control type",
	ErrConnackForbiddenFlags:      "CONNACK forbidden flags",
	ErrConnackForbiddenCode:       "CONNACK forbidden return code",
	ErrAckOfUnknown:               "acknowledgement of unknown request",
	ErrConnectionRefused:          "connection refused",
	ErrConnectClientIDRefused:     "connection refused: client identifier rejected",
	ErrSubscribeFailed:            "subscribe failed",
	ErrTransportSend:              "transport send error",
}

func (e Error) Error() string {
	if s, ok := errorText[e]; ok {
		return "mqtt: " + s
	}
	return "mqtt: unknown error"
}

// SendError carries a failure of the byte-send primitive.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return ErrTransportSend.Error() + ": " + e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrTransportSend }
