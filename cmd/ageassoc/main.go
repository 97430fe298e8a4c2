// Copyright (C) The Ageassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/gtexage/ageassoc"

func main() {
	ageassoc.Main()
}
