// Package pysrc is a structural scanner for Python source files.
//
// It does not execute or fully parse Python. It recovers just enough
// structure for test discovery and block hashing: top-level functions and
// classes (with their methods), decorator expressions, import spans, and
// loose top-level statements, each with a physical line range.
package pysrc
