package session

import "fmt"

// Stage is diagnostic code of the last protocol step a session executed.
// Numeric values are user visible: failed cycle is signalled by Stage red pulses.
type Stage int8

const (
	StageNone     Stage = 0
	StageAllocate Stage = 1 // connection object allocation
	StageResolve  Stage = 2 // address resolution in progress or failed
	StageConnect  Stage = 3 // connect issued or failed, reset before data
	StageWrite    Stage = 4 // request write issued or failed
	StageReceive  Stage = 5 // response received or peer closed without data
	StageNetwork  Stage = 6 // transport error during send or receive
	StageTimeout  Stage = 7 // idle budget or hard deadline elapsed
	StageAbort    Stage = 8 // orderly close failed, forced abort
)

var stageNames = [...]string{
	StageNone:     "none",
	StageAllocate: "allocate",
	StageResolve:  "resolve",
	StageConnect:  "connect",
	StageWrite:    "write",
	StageReceive:  "receive",
	StageNetwork:  "network",
	StageTimeout:  "timeout",
	StageAbort:    "abort",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int8(s))
}

func maxStage(a, b Stage) Stage {
	if a > b {
		return a
	}
	return b
}
