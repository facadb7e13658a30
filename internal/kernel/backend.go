package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Bindings carries the packed column data for one batch invocation. In[i]
// backs graph parameter i, Out[j] receives return j. Every slice holds
// exactly Rows values at the column's stride; Out buffers are scratch owned
// by the caller and committed only after the kernel succeeds.
type Bindings struct {
	In   [][]byte
	Out  [][]byte
	Rows int
}

// Kernel is a compiled graph. Run must be safe for concurrent use because
// compile caches may hand the same kernel to several systems.
type Kernel interface {
	Run(ctx context.Context, b Bindings) error
}

// Backend compiles graphs into runnable kernels.
type Backend interface {
	Name() string
	Compile(ctx context.Context, g Graph) (Kernel, error)
}

// MismatchError reports a graph that cannot be reconciled with its declared
// shapes or bound columns. The executor treats it as fatal for the tick:
// retrying cannot succeed until the schema or the graph changes.
type MismatchError struct {
	Kernel string
	Detail string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("kernel %q: shape mismatch: %s", e.Kernel, e.Detail)
}

func mismatch(kernel, format string, args ...any) *MismatchError {
	return &MismatchError{Kernel: kernel, Detail: fmt.Sprintf(format, args...)}
}

func f64le(v float64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return b[:]
}
