// Package util holds internal utility (or helper) functions.
package util

import (
	"k8s.io/klog/v2"
)

// ReportError reports an error to the log, but otherwise ignores it. Used on
// teardown paths where a failed close is worth a log line but nothing else.
func ReportError(err error) {
	if err != nil {
		klog.Warningf("Unhandled error: %+v", err)
	}
}
