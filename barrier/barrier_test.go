package barrier

import "testing"

func TestBarriersDoNotPanic(t *testing.T) {
	CompilerBarrier()
	ReadBarrier()
	WriteBarrier()
	MemoryBarrier()
	AsymmetricBarrierLight()
	AsymmetricBarrierHeavy()
}

func TestAsymmetricBarrierHeavyRepeatable(t *testing.T) {
	for i := 0; i < 10; i++ {
		AsymmetricBarrierLight()
		AsymmetricBarrierHeavy()
	}
}
