// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

//go:build !tamago

package regbus

// Barrier is a no-op on host builds: Sim has no real bus transactions to
// order, so there is nothing for a memory barrier to separate. Kept so
// flash.Programmer.Write calls the same primitive under "go test" that it
// calls on the real target.
func Barrier() {}
