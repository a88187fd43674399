package proc

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioWord = 0x48894de8c0ffee11

// attachFixture is a child whose executable is an ET_EXEC without
// sections, mapped at 0x400000 with its entry point at 0x401000.
type attachFixture struct {
	f      *fakeTracee
	r      *Resolver
	states []AttachState
	orig   []byte
}

func newAttachFixture(t *testing.T, arch *Arch) *attachFixture {
	t.Helper()
	image := buildELF64(t, elf.ET_EXEC, 0x401000, nil)
	if arch.ELFClass() == elf.ELFCLASS32 {
		image = buildELF32(t, elf.ET_EXEC, 0x401000)
	}
	r, _ := newTestResolver(t, image, []Mapping{
		{Start: 0x400000, End: 0x402000, Perms: "r-xp", Path: testExe},
	})
	f := newFakeTracee(arch, 0x401000)
	orig := make([]byte, 8)
	binary.LittleEndian.PutUint64(orig, scenarioWord)
	orig = orig[:arch.PtrSize()]
	f.setWord(0x401000, orig)
	f.start()
	return &attachFixture{f: f, r: r, orig: orig}
}

func (fx *attachFixture) attach() (*EntryDescriptor, error) {
	return AttachAndStopAtEntry(context.Background(), fx.f, fx.r, AttachOptions{
		Arch:         fx.f.arch,
		PollInterval: 100 * time.Microsecond,
		EntryTimeout: 200 * time.Millisecond,
		OnState:      func(s AttachState) { fx.states = append(fx.states, s) },
	})
}

func requireAttachError(t *testing.T, err error, state AttachState, target error) {
	t.Helper()
	var ae *AttachError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, state, ae.State)
	if target != nil {
		assert.ErrorIs(t, err, target)
	}
}

func TestAttachScenario(t *testing.T) {
	amd64, err := ArchByName("amd64")
	require.NoError(t, err)
	fx := newAttachFixture(t, amd64)

	d, err := fx.attach()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), d.PatchAddr())

	assert.Equal(t, []AttachState{
		StateInit, StateWaitInitialStop, StateArmExecTrace, StateContinueToExec,
		StateWaitExecStop, StateResolveEntry, StateCaptureOriginalWord, StateWriteTrap,
		StateContinueToEntry, StateWaitEntryHit, StateRewindInstructionPointer,
		StateRestoreOriginalWord, StateDone,
	}, fx.states)

	// trap written over the low byte only, then the original restored
	require.Len(t, fx.f.writes, 2)
	assert.Equal(t, uint64(0x48894de8c0ffeecc), binary.LittleEndian.Uint64(fx.f.writes[0]))
	assert.Equal(t, fx.orig, fx.f.writes[1])
	assert.Equal(t, fx.orig, fx.f.word(0x401000, 8))

	// stopped under tracing at the entry point
	assert.Equal(t, []uint64{0x401000}, fx.f.setPCs)
	pc, err := fx.f.PC()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), pc)
	assert.Empty(t, fx.f.detaches)
}

func TestAttachRewindPerArch(t *testing.T) {
	for _, a := range allArchs(t) {
		t.Run(a.Name, func(t *testing.T) {
			fx := newAttachFixture(t, a)
			_, err := fx.attach()
			require.NoError(t, err)
			if a.BreakInstrMovesPC() {
				require.Equal(t, []uint64{0x401000}, fx.f.setPCs)
			} else {
				assert.Empty(t, fx.f.setPCs)
			}
			assert.Equal(t, uint64(0x401000), fx.f.pc)
			assert.Equal(t, fx.orig, fx.f.word(0x401000, a.PtrSize()))
			assert.Equal(t, a.BreakpointInstruction(), fx.f.writes[0][:a.BreakpointSize()])
		})
	}
}

func TestAttachStolenStatuses(t *testing.T) {
	amd64, _ := ArchByName("amd64")
	fx := newAttachFixture(t, amd64)
	fx.f.steal = true
	_, err := fx.attach()
	require.NoError(t, err)
	assert.Equal(t, fx.orig, fx.f.word(0x401000, 8))
}

func TestAttachLateExecStatus(t *testing.T) {
	amd64, _ := ArchByName("amd64")

	t.Run("exec event", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.lateExec = true
		_, err := fx.attach()
		require.NoError(t, err)
		assert.Contains(t, fx.states, StateResolveEntry)
		assert.Equal(t, fx.orig, fx.f.word(0x401000, 8))
	})

	t.Run("plain trap", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.lateExec = true
		fx.f.noExecEvent = true
		_, err := fx.attach()
		requireAttachError(t, err, StateWaitExecStop, ErrUnexpectedSignal)
		assert.Empty(t, fx.f.writes)
	})
}

func TestAttachFailures(t *testing.T) {
	amd64, _ := ArchByName("amd64")

	t.Run("unexpected initial signal", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.firstSignal = syscall.SIGUSR1
		fx.f.start()
		_, err := fx.attach()
		requireAttachError(t, err, StateWaitInitialStop, ErrUnexpectedSignal)
		assert.Equal(t, StateFailed, fx.states[len(fx.states)-1])
	})

	t.Run("no initial stop", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.pending = nil
		fx.f.stopped = false
		_, err := fx.attach()
		requireAttachError(t, err, StateWaitInitialStop, ErrTimeout)
	})

	t.Run("exec not traced", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.fail["setoptions"] = errInjected
		_, err := fx.attach()
		requireAttachError(t, err, StateArmExecTrace, errInjected)
		var pe *PtraceError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "setoptions", pe.Op)
	})

	t.Run("exit before exec", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.exitBeforeExec = true
		_, err := fx.attach()
		requireAttachError(t, err, StateWaitExecStop, ErrChildExited)
	})

	t.Run("no exec mapping", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.r = NewResolver(&fakeProcFS{}, nil)
		_, err := fx.attach()
		requireAttachError(t, err, StateResolveEntry, ErrNoExecMapping)
		assert.Empty(t, fx.f.writes)
	})

	t.Run("32 bit executable", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.r, _ = newTestResolver(t, buildELF32(t, elf.ET_EXEC, 0x401000), []Mapping{
			{Start: 0x400000, End: 0x402000, Perms: "r-xp", Path: testExe},
		})
		_, err := fx.attach()
		requireAttachError(t, err, StateResolveEntry, ErrClassMismatch)
		assert.Empty(t, fx.f.writes)
	})

	t.Run("peek fails", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.fail["peek"] = errInjected
		_, err := fx.attach()
		requireAttachError(t, err, StateCaptureOriginalWord, errInjected)
		assert.Empty(t, fx.f.writes)
	})

	t.Run("poke fails", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.fail["poke"] = errInjected
		_, err := fx.attach()
		requireAttachError(t, err, StateWriteTrap, errInjected)
		assert.Equal(t, fx.orig, fx.f.word(0x401000, 8))
	})

	t.Run("entry never reached", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.hang = true
		_, err := fx.attach()
		requireAttachError(t, err, StateWaitEntryHit, ErrTimeout)
	})

	t.Run("unexpected pc", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.pcOffset = 0x10
		_, err := fx.attach()
		requireAttachError(t, err, StateRewindInstructionPointer, ErrUnexpectedPC)
		assert.Empty(t, fx.f.setPCs)
		// the trap is removed on the way out
		assert.Equal(t, fx.orig, fx.f.word(0x401000, 8))
	})

	t.Run("rewind fails", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.fail["setregs"] = errInjected
		_, err := fx.attach()
		requireAttachError(t, err, StateRewindInstructionPointer, errInjected)
		assert.Equal(t, fx.orig, fx.f.word(0x401000, 8))
	})

	t.Run("restore fails", func(t *testing.T) {
		fx := newAttachFixture(t, amd64)
		fx.f.fail["restore"] = errInjected
		_, err := fx.attach()
		requireAttachError(t, err, StateRestoreOriginalWord, ErrRestoreFailed)
		// a single attempt, no retry from the abort path
		assert.Len(t, fx.f.writes, 1)
	})
}

func TestAttachErrorMessage(t *testing.T) {
	err := &AttachError{State: StateWaitExecStop, Pid: 12, Err: ErrChildExited}
	assert.Equal(t, "stop pid 12 at entry: WaitExecStop: child exited", err.Error())
	assert.True(t, errors.Is(err, ErrChildExited))
	assert.Equal(t, "AttachState(200)", AttachState(200).String())
}
