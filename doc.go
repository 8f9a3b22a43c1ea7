// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package locus implements the core data structures of a
// data-location and resource-aware task scheduling engine.
//
// Applications submit tasks whose parameters reference versioned,
// named data. The engine tracks where every datum lives (package
// location and package registry), matches tasks to workers under
// CPU/GPU/FPGA, memory and software constraints (this package and
// package sched), reserves and binds computing units on the chosen
// worker (package resmgr), stages inputs with at most one transfer in
// flight per datum and target (package transfer), and propagates
// completion, failure and cancellation to dependent tasks.
//
// Package runtime wires one instance of every component together.
package locus
