package tensor

// Device is where prepared batches live while a step runs.
type Device interface {
	Name() string
	// Put moves t onto the device. With nonBlocking set the copy may
	// complete after Put returns on devices that support it.
	Put(t *Tensor, nonBlocking bool) *Tensor
}

// CPU keeps tensors in host memory.
type CPU struct{}

func (CPU) Name() string { return "cpu" }

// Put copies t. Host copies are synchronous, so nonBlocking has no effect.
func (CPU) Put(t *Tensor, nonBlocking bool) *Tensor {
	return t.Clone()
}
