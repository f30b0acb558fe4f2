// Package ssh mirrors frame cache directories to a remote host over SFTP.
//
// A Mirror is installed as the frame recorder of a frame cache. Every frame written to
// disk is uploaded to the same directory name under the remote cache root, file by
// file through a temporary name. Frames that turn broken are deleted remotely.
package ssh
