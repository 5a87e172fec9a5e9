// Package autoscaler grows and shrinks the worker pool from aggregate backend
// load.
//
// Every interval the AutoScaler takes one Sample (mean CPU, mean memory and
// total active connections across registered backends), appends it to a
// three-sample window, and asks the Scaler for at most one worker more or
// less. Scale-up and scale-down thresholds are disjoint so that a load level
// between them leaves the pool unchanged.
package autoscaler
