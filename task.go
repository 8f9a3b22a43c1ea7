// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package locus

import (
	"fmt"
	"strings"
)

// Direction is the access mode of a task parameter.
type Direction int

const (
	// In parameters are read by the task.
	In Direction = iota
	// Out parameters are written by the task.
	Out
	// InOut parameters are read and then written by the task.
	InOut
	// Commutative parameters are updated by the task; updates from
	// tasks in the same commutative group may run in any order.
	Commutative
)

var directionNames = [...]string{In: "IN", Out: "OUT", InOut: "INOUT", Commutative: "COMMUTATIVE"}

func (d Direction) String() string {
	if d < In || int(d) >= len(directionNames) {
		return fmt.Sprintf("direction(%d)", int(d))
	}
	return directionNames[d]
}

// Reads tells whether direction d reads the current version.
func (d Direction) Reads() bool { return d != Out }

// Writes tells whether direction d produces a new version.
func (d Direction) Writes() bool { return d != In }

// DataType is the type of a task parameter.
type DataType int

const (
	// Basic parameters carry a literal value and never reference
	// logical data.
	Basic DataType = iota
	// File parameters reference a file.
	File
	// Object parameters reference an in-memory object.
	Object
	// Stream parameters reference a stream; they never introduce data
	// dependencies.
	Stream
	// PersistentObject parameters reference an object stored in the
	// persistent storage backend.
	PersistentObject
)

var dataTypeNames = [...]string{
	Basic:            "basic",
	File:             "file",
	Object:           "object",
	Stream:           "stream",
	PersistentObject: "persistent",
}

func (t DataType) String() string {
	if t < Basic || int(t) >= len(dataTypeNames) {
		return fmt.Sprintf("datatype(%d)", int(t))
	}
	return dataTypeNames[t]
}

// Parameter describes a task parameter.
type Parameter struct {
	// Direction is the parameter's access mode.
	Direction Direction
	// Type is the parameter's data type.
	Type DataType
	// Data is the application-level key of the referenced datum, for
	// example a file path or an object identifier. It is empty for
	// basic parameters.
	Data string
	// Value is the literal value of basic parameters, and the
	// initial value of object parameters registered by the task.
	Value interface{}
}

// Implementation is one executable variant of a task.
type Implementation struct {
	// ID identifies the implementation within its task.
	ID int
	// Signature names the implementation, e.g., a method signature or
	// a binary path.
	Signature string
	// Requirements are the resources required to run one instance.
	Requirements ResourceDescription
}

func (i Implementation) String() string {
	return fmt.Sprintf("%d:%s", i.ID, i.Signature)
}

// TaskDescriptor is what the application layer submits: the
// candidate implementations of a task and its parameters.
type TaskDescriptor struct {
	// Name is the task's (method) name.
	Name string
	// Implementations lists the candidate implementations.
	Implementations []Implementation
	// Params is the parameter list.
	Params []Parameter
	// Target is the index in Params of the target object, or -1.
	Target int
	// Priority tasks are scheduled ahead of non-priority tasks.
	Priority bool
	// Replicated tasks run on every worker.
	Replicated bool
	// Distributed tasks are spread round-robin across workers.
	Distributed bool
	// Worker, if set, restricts the task to the named worker.
	Worker string
	// MaxErrors overrides the scheduler's retry policy for this task
	// when positive.
	MaxErrors int
}

func (t TaskDescriptor) String() string {
	var params []string
	for _, p := range t.Params {
		if p.Type == Basic {
			params = append(params, fmt.Sprintf("%v", p.Value))
			continue
		}
		params = append(params, fmt.Sprintf("%s %s %s", p.Direction, p.Type, p.Data))
	}
	return fmt.Sprintf("%s(%s)", t.Name, strings.Join(params, ", "))
}
