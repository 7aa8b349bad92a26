package a

import "github.com/pavanmanishd/dynarena"

type file struct{ fd int }

func (f *file) Destroy() error { return nil }

type conn struct{ name string }

func (c conn) Destroy() error { return nil }

type request struct {
	id   int
	body conn
}

type pooled struct {
	files [2]file
}

type shared struct {
	f *file
}

type plain struct {
	x, y int
	next dynarena.Ref[plain]
}

type notCleanup struct{}

func (notCleanup) Destroy() {}

type embeds struct {
	conn
}

func placements(a *dynarena.Arena) {
	dynarena.AllocCopy(a, file{})           // want `AllocCopy\[file\]: type has cleanup obligations`
	dynarena.MustAllocCopy(a, conn{})       // want `MustAllocCopy\[conn\]: type has cleanup obligations`
	dynarena.AllocCopy(a, request{})        // want `AllocCopy\[request\]: field body has cleanup obligations`
	dynarena.AllocCopy(a, pooled{})         // want `field files.\[0\] has cleanup obligations`
	dynarena.AllocCopy(a, shared{})         // want `field f has cleanup obligations`
	dynarena.AllocSlice[file](a, 4)         // want `AllocSlice\[file\]: type has cleanup obligations`
	dynarena.AllocCopy[*file](a, &file{})   // want `AllocCopy\[\*file\]`
	dynarena.AllocCopy(a, embeds{})         // want `AllocCopy\[embeds\]: type has cleanup obligations`

	dynarena.Alloc(a, file{})
	dynarena.Alloc(a, request{})
	dynarena.AllocCopy(a, plain{})
	dynarena.MustAllocCopy(a, notCleanup{})
	dynarena.AllocSlice[int](a, 4)
	dynarena.AllocCopy(a, []file{})
}
