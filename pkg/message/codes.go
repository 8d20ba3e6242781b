package message

import "fmt"

// Code is the 8-bit request/response code, split 3.5 as class.detail.
type Code uint8

// MkCode assembles a code from its class and detail parts.
func MkCode(class, detail uint8) Code {
	return Code(class&0x7)<<5 | Code(detail&0x1f)
}

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

const (
	Empty Code = 0 // 0.00

	// Request methods (class 0).
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
	FETCH  Code = 5
	PATCH  Code = 6
	IPATCH Code = 7

	// Success responses (class 2).
	Created Code = 2<<5 | 1
	Deleted Code = 2<<5 | 2
	Valid   Code = 2<<5 | 3
	Changed Code = 2<<5 | 4
	Content Code = 2<<5 | 5

	// Client error responses (class 4).
	BadRequest       Code = 4 << 5
	Unauthorized     Code = 4<<5 | 1
	BadOption        Code = 4<<5 | 2
	Forbidden        Code = 4<<5 | 3
	NotFound         Code = 4<<5 | 4
	MethodNotAllowed Code = 4<<5 | 5
	NotAcceptable    Code = 4<<5 | 6
	PreconditionFail Code = 4<<5 | 12
	TooLarge         Code = 4<<5 | 13
	BadContentFormat Code = 4<<5 | 15

	// Server error responses (class 5).
	InternalError  Code = 5 << 5
	NotImplemented Code = 5<<5 | 1
	BadGateway     Code = 5<<5 | 2
	Unavailable    Code = 5<<5 | 3
	GatewayTimeout Code = 5<<5 | 4
	ProxyingNotSup Code = 5<<5 | 5
)

// IsRequest reports whether c is a method code (class 0, detail > 0).
func (c Code) IsRequest() bool { return c.Class() == 0 && c != Empty }

// IsResponse reports whether c is a response code (class 2, 4 or 5).
func (c Code) IsResponse() bool {
	cl := c.Class()
	return cl == 2 || cl == 4 || cl == 5
}

var methodNames = map[Code]string{
	GET:    "GET",
	POST:   "POST",
	PUT:    "PUT",
	DELETE: "DELETE",
	FETCH:  "FETCH",
	PATCH:  "PATCH",
	IPATCH: "iPATCH",
}

// String renders methods by name and everything else in dotted
// class.detail form, e.g. "2.05".
func (c Code) String() string {
	if c == Empty {
		return "0.00"
	}
	if name, ok := methodNames[c]; ok {
		return name
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}
