// Package vm executes compiled hacker-lang bytecode.
//
// The VM is a single-threaded fetch-decode-execute loop over a
// bytecode.Program. It owns:
//
//   - a process-wide environment, inherited by every child process;
//   - a stack of call frames, each with its own local variables;
//   - a task table of spawned child processes, keyed by PID;
//   - a Heap serving Lock/Unlock requests by key.
//
// Concurrency comes only from child processes started by SpawnBg and
// SpawnAssign. They run until awaited; Exit and failed assertions do not
// block on orphaned tasks. The heap enforces key uniqueness and nothing
// else: concurrent Lock/Unlock of one key from spawned children that
// re-enter the runtime is a user hazard and is not serialized.
//
// Commands run through a shell, bash by default. With bash the VM keeps
// one session shell for the whole run, so cd, shell functions and shell
// variables carry over from one statement to the next; privileged
// commands, spawned tasks and pipe stages reading piped input run in
// their own "<shell> -c" started in the session's directory. Other
// shells always run one "-c" per command. Variable substitution,
// conditions, arithmetic and assertions are evaluated in-process where
// possible and fall back to the shell otherwise; assertions never do.
package vm
