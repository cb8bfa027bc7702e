// Package allocation drives allocation cycles: it asks the decider chain
// about every (copy, node) pair that needs an answer, ranks the accepted
// nodes by balance weight and produces the next routing table together with
// an explanation for every copy it looked at.
package allocation
