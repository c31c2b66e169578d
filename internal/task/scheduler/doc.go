// Package scheduler runs unattended broadcasts ("autocast").
//
// A Schedule names a target template and a payload (literal text, a text
// file, or a message link). Each trigger builds a broadcast job and submits
// it to the broadcast service with the unattended random delay. A schedule
// whose previous job is still running skips the trigger.
package scheduler
