// Package humansource provides core.HumanSource implementations that do not
// need a real marketplace: a simulated crowd with known ground truth, and a
// replay source answering from recorded responses. It also provides the
// agreement-based SimulatedProvider both use for planning rollouts.
//
// Machine annotators backed by a language model live in the llmsource
// subpackage.
package humansource
