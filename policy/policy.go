// Package policy contains the built-in pipeline plugins: request
// validation, tenant quota, safety screening, sampling normalization,
// memory injection and tool-call parsing.
package policy

import (
	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/pipeline"
)

// base carries the common plugin identity fields
type base struct {
	id    string
	phase core.Phase
	order int
}

func (b base) ID() string        { return b.id }
func (b base) Phase() core.Phase { return b.phase }
func (b base) Order() int        { return b.order }

func (b base) ShouldExecute(ec *pipeline.ExecutionContext) bool { return true }
