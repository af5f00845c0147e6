// Package srt implements SRT (Secure Reliable Transport) ingest, including
// both listener-mode (Server) for cameras that publish to the node and
// caller-mode (Caller) for pulling feeds from remote SRT sources. Either
// way the bytes land in a feed input unparsed; frame detection happens
// downstream in the segmenter.
package srt
