// Copyright 2026 The Holt Authors
// SPDX-License-Identifier: Apache-2.0

package seccomp

import "fmt"

// Level is a filter strictness tier. Higher levels allow strictly
// more syscalls.
type Level int

const (
	// Minimal allows only exit, basic I/O on already-open
	// descriptors, and signal return.
	Minimal Level = iota

	// Basic adds standard file access, process introspection, and
	// timing syscalls. This is the production default.
	Basic

	// Permissive allows everything not on the always-denied list.
	// Debugging only; never a production default.
	Permissive
)

// String returns the configuration name of the level.
func (l Level) String() string {
	switch l {
	case Minimal:
		return "minimal"
	case Basic:
		return "basic"
	case Permissive:
		return "permissive"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the defined tiers.
func (l Level) Valid() bool {
	return l == Minimal || l == Basic || l == Permissive
}

// ParseLevel parses a configuration-file level name.
func ParseLevel(name string) (Level, error) {
	switch name {
	case "minimal":
		return Minimal, nil
	case "basic":
		return Basic, nil
	case "permissive":
		return Permissive, nil
	default:
		return 0, fmt.Errorf("unknown seccomp level %q (want minimal, basic, or permissive)", name)
	}
}

// minimalSyscalls is the Minimal allow-list: enough for a process to
// read, write, and die.
var minimalSyscalls = []string{
	"read",
	"write",
	"readv",
	"writev",
	"close",
	"exit",
	"exit_group",
	"rt_sigreturn",
	"sigreturn",
}

// basicAdditions extends Minimal with ordinary file, process-info,
// and timing syscalls.
var basicAdditions = []string{
	"openat",
	"open",
	"fstat",
	"newfstatat",
	"statx",
	"lseek",
	"pread64",
	"pwrite64",
	"dup",
	"dup3",
	"fcntl",
	"getdents64",
	"readlinkat",
	"mmap",
	"munmap",
	"mprotect",
	"brk",
	"madvise",
	"futex",
	"sched_yield",
	"getpid",
	"gettid",
	"getuid",
	"geteuid",
	"getgid",
	"getegid",
	"getrandom",
	"uname",
	"clock_gettime",
	"clock_getres",
	"clock_nanosleep",
	"nanosleep",
	"gettimeofday",
	"rt_sigaction",
	"rt_sigprocmask",
	"sigaltstack",
	"set_robust_list",
	"rseq",
	"prlimit64",
}

// permissiveAdditions extends Basic for debugging: polling, eventfd,
// timerfd, and the other conveniences a debug shell wants. Everything
// else not explicitly denied is also allowed at this level via the
// allow-by-default serialization.
var permissiveAdditions = []string{
	"poll",
	"ppoll",
	"pselect6",
	"epoll_create1",
	"epoll_ctl",
	"epoll_wait",
	"epoll_pwait",
	"eventfd2",
	"timerfd_create",
	"timerfd_settime",
	"timerfd_gettime",
	"ioctl",
	"statfs",
	"fstatfs",
	"sync",
	"fsync",
	"fdatasync",
	"ftruncate",
	"fallocate",
	"copy_file_range",
	"sendfile",
	"splice",
}

// deniedAlways lists syscalls blocked at every level: raw networking,
// process creation, privilege change, mount/chroot, tracing, reboot.
// No level and no profile can allow these.
var deniedAlways = []string{
	// Raw networking. The guest talks to the host over the vsock
	// channel; direct sockets bypass the firewall chain.
	"socket",
	"socketpair",
	"bind",
	"connect",
	"listen",
	"accept",
	"accept4",
	"sendto",
	"recvfrom",
	"sendmsg",
	"recvmsg",
	"sendmmsg",
	"recvmmsg",

	// Process creation.
	"fork",
	"vfork",
	"clone",
	"clone3",
	"execve",
	"execveat",

	// Privilege change.
	"setuid",
	"setgid",
	"setreuid",
	"setregid",
	"setresuid",
	"setresgid",
	"setgroups",
	"capset",

	// Mount and root manipulation.
	"mount",
	"move_mount",
	"umount2",
	"chroot",
	"pivot_root",

	// Tracing and introspection of other processes.
	"ptrace",
	"process_vm_readv",
	"process_vm_writev",

	// Host control.
	"reboot",
	"kexec_load",
	"kexec_file_load",

	// Kernel extension.
	"bpf",
	"init_module",
	"finit_module",
	"delete_module",
}

// allowedAtLevel returns the explicit allow-list for a level,
// cumulative across lower levels.
func allowedAtLevel(level Level) []string {
	list := append([]string(nil), minimalSyscalls...)
	if level >= Basic {
		list = append(list, basicAdditions...)
	}
	if level >= Permissive {
		list = append(list, permissiveAdditions...)
	}
	return list
}
