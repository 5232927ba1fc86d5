package starbind

// Code in this file is derived from go.starlark.net/repl/repl.go
// Which is licensed under the following copyright:
//
// Copyright (c) 2017 The Bazel Authors.  All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are
// met:
//
// 1. Redistributions of source code must retain the above copyright
//    notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
//    notice, this list of conditions and the following disclaimer in the
//    documentation and/or other materials provided with the
//    distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived
//    from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
// "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
// LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
// A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
// HOLDER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
// LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

import (
	"fmt"
	"io"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/go-delve/liner"
)

const (
	normalPrompt = ">>> "
	extraPrompt  = "... "

	exitCommand = "exit"
)

// lineReader is the part of the line editor used by the REPL.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// REPL reads starlark statements from the terminal and executes them
// until "exit" or end of input. Capitalized globals defined in the session
// stay available to later scripts and command_ functions become commands.
func (env *Env) REPL() error {
	rl := liner.NewLiner()
	defer rl.Close()
	return env.repl(rl)
}

func (env *Env) repl(rl lineReader) error {
	thread := env.newThread()
	globals := starlark.StringDict{}
	for k, v := range env.env {
		globals[k] = v
	}
	for {
		if err := isCancelled(thread); err != nil {
			return err
		}
		f, err := env.readStmt(rl)
		switch {
		case err == io.EOF:
			fmt.Fprintln(env.out)
			return env.exportGlobals(globals)
		case err != nil:
			return err
		case f != nil:
			env.evalStmt(thread, f, globals)
		}
	}
}

// readStmt reads lines until they form a statement, showing extraPrompt
// after the first one. Syntax errors are printed and return a nil file;
// errors of the line editor, and io.EOF for "exit", are returned.
func (env *Env) readStmt(rl lineReader) (*syntax.File, error) {
	prompt := normalPrompt
	var lineErr error
	f, err := syntax.ParseCompoundStmt("<stdin>", func() ([]byte, error) {
		line, err := rl.Prompt(prompt)
		if err == nil && line == exitCommand {
			err = io.EOF
		}
		if err != nil {
			lineErr = err
			return nil, err
		}
		rl.AppendHistory(line)
		prompt = extraPrompt
		return []byte(line + "\n"), nil
	})
	if lineErr != nil {
		return nil, lineErr
	}
	if err != nil {
		env.printError(err)
		return nil, nil
	}
	return f, nil
}

// evalStmt runs f in globals. The value of a lone expression is printed.
func (env *Env) evalStmt(thread *starlark.Thread, f *syntax.File, globals starlark.StringDict) {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			v, err := starlark.EvalExpr(thread, stmt.X, globals)
			switch {
			case err != nil:
				env.printError(err)
			case v != starlark.None:
				fmt.Fprintln(env.out, v)
			}
			return
		}
	}
	prog, err := starlark.FileProgram(f, globals.Has)
	if err != nil {
		env.printError(err)
		return
	}
	// not frozen, the globals are reused by the next statement
	res, err := prog.Init(thread, globals)
	if err != nil {
		env.printError(err)
	}
	for k, v := range res {
		globals[k] = v
	}
}

func (env *Env) printError(err error) {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		fmt.Fprintln(env.out, evalErr.Backtrace())
		return
	}
	fmt.Fprintln(env.out, err)
}
