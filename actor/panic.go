package actor

import (
	"bytes"
	"fmt"
	"runtime/debug"

	"github.com/DataDog/gostackparse"

	"github.com/anterem/zactor/log"
)

// PanicError is recorded when the user function panics. Value is whatever
// was passed to panic; Stack is the worker's trace, trimmed of the recovery
// frames.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("actor: user function panicked: %v", e.Value)
}

func currentStack() []byte {
	return cleanTrace(debug.Stack())
}

func cleanTrace(stack []byte) []byte {
	goros, err := gostackparse.Parse(bytes.NewReader(stack))
	if err != nil {
		log.Errorw("actor: failed to parse stacktrace", log.M{"err": err})
		return stack
	}
	if len(goros) != 1 {
		log.Errorw("actor: expected only one goroutine", log.M{"goroutines": len(goros)})
		return stack
	}
	// skip the capture, recovery and panic frames:
	if len(goros[0].Stack) > 4 {
		goros[0].Stack = goros[0].Stack[4:]
	}
	buf := bytes.NewBuffer(nil)
	_, _ = fmt.Fprintf(buf, "goroutine %d [%s]\n", goros[0].ID, goros[0].State)
	for _, frame := range goros[0].Stack {
		_, _ = fmt.Fprintf(buf, "%s\n", frame.Func)
		_, _ = fmt.Fprint(buf, "\t", frame.File, ":", frame.Line, "\n")
	}
	return buf.Bytes()
}
